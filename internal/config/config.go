// Package config loads tabmix settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minEvalTimeoutMS = 250

// Config holds all tabmix settings.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP control surface
	BindAddr          string
	PortCandidates    []string
	PortAutoFallback  bool
	TabURLFilter      string
	EvalTimeoutMS     int
	RefreshDebounceMS int

	LogLevel string
	LogFile  string

	// Optional browser process
	LaunchBrowser     bool
	ProfileDir        string
	StartupConfigPath string

	// Change sinks; empty disables them.
	JournalDir    string
	NtfyURL       string
	DesktopNotify bool

	OTLPEndpoint string
	OTLPHeaders  string
}

// Load reads configuration from environment variables and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		BindAddr:          getEnvOrDefault("TABMIX_BIND_ADDR", "127.0.0.1:8290"),
		PortCandidates:    getEnvListOrDefault("TABMIX_PORT_CANDIDATES", []string{"127.0.0.1:8291", "127.0.0.1:8292", "127.0.0.1:8293"}),
		PortAutoFallback:  getEnvBoolOrDefault("TABMIX_PORT_AUTO_FALLBACK", true),
		TabURLFilter:      getEnvOrDefault("TABMIX_TAB_URL_FILTER", ""),
		EvalTimeoutMS:     getEnvIntOrDefault("TABMIX_EVAL_TIMEOUT_MS", 3000),
		RefreshDebounceMS: getEnvIntOrDefault("TABMIX_REFRESH_DEBOUNCE_MS", 150),
		LogLevel:          strings.ToLower(getEnvOrDefault("TABMIX_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("TABMIX_LOG_FILE", "logs/tabmix.log"),
		LaunchBrowser:     getEnvBoolOrDefault("TABMIX_LAUNCH_BROWSER", false),
		ProfileDir:        getEnvOrDefault("TABMIX_PROFILE_DIR", "./browser_profile"),
		StartupConfigPath: getEnvOrDefault("TABMIX_STARTUP_CONFIG", ""),
		JournalDir:        getEnvOrDefault("TABMIX_JOURNAL_DIR", ""),
		NtfyURL:           getEnvOrDefault("TABMIX_NTFY_URL", ""),
		DesktopNotify:     getEnvBoolOrDefault("TABMIX_DESKTOP_NOTIFY", false),
		OTLPEndpoint:      getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPHeaders:       getEnvOrDefault("OTEL_EXPORTER_OTLP_HEADERS", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes bounded values and rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.EvalTimeoutMS < minEvalTimeoutMS {
		c.EvalTimeoutMS = minEvalTimeoutMS
	}
	if c.RefreshDebounceMS < 0 {
		c.RefreshDebounceMS = 0
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: CHROMIUM_CDP_PORT out of range: %d", c.CDPPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func (c *Config) RefreshDebounce() time.Duration {
	return time.Duration(c.RefreshDebounceMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
