// Command tabmix lists browser tabs and controls their audio over CDP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabmix/internal/cdpaudio"
	"github.com/dgnsrekt/tabmix/internal/config"
	"github.com/dgnsrekt/tabmix/internal/tabaudio"
	"github.com/dgnsrekt/tabmix/internal/telemetry"
)

var version = "dev"

var (
	// Global flags. Unset flags keep the environment value.
	flagCDPAddress string
	flagCDPPort    int
	flagFilter     string
	flagLogLevel   string
	flagLogFile    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tabmix",
	Short: "Per-tab audio mixer for Chromium browsers",
	Long: `tabmix enumerates the tabs of every open browser window, reports whether
each tab is playing sound and lets you mute it or set its volume.

It talks to the browser over the Chrome DevTools Protocol, so the browser
must run with --remote-debugging-port (or let "tabmix serve" launch it).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		applyFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return setupLogger(cfg.LogLevel, cfg.LogFile, cmd.Name() == "serve")
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagCDPAddress, "cdp-address", "", "CDP host (env CHROMIUM_CDP_ADDRESS)")
	pf.IntVar(&flagCDPPort, "cdp-port", 0, "CDP port (env CHROMIUM_CDP_PORT)")
	pf.StringVar(&flagFilter, "filter", "", "only include tabs whose URL contains this text (env TABMIX_TAB_URL_FILTER)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (env TABMIX_LOG_LEVEL)")
	pf.StringVar(&flagLogFile, "log-file", "", "rotated log file used by serve (env TABMIX_LOG_FILE)")
	rootCmd.Version = version
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("cdp-address") {
		c.CDPAddress = flagCDPAddress
	}
	if flags.Changed("cdp-port") {
		c.CDPPort = flagCDPPort
	}
	if flags.Changed("filter") {
		c.TabURLFilter = flagFilter
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if flags.Changed("log-file") {
		c.LogFile = flagLogFile
	}
}

func main() {
	telemetry.Version = version
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// setupLogger writes text logs to stderr, and for long running commands also
// to a rotated file.
func setupLogger(level, filename string, toFile bool) error {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if toFile && filename != "" {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

// session bundles everything a command needs to talk to the browser.
type session struct {
	tel    *telemetry.Telemetry
	client *cdpaudio.Client
	reg    *tabaudio.Registry
}

func openSession(ctx context.Context, c *config.Config) (*session, error) {
	tel, err := telemetry.Init(ctx, telemetry.Config{Endpoint: c.OTLPEndpoint, Headers: c.OTLPHeaders})
	if err != nil {
		return nil, err
	}

	client := cdpaudio.NewClient(c.CDPURL(), c.TabURLFilter, c.EvalTimeout())
	if err := client.Connect(ctx); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("connect to browser at %s: %w", c.CDPURL(), err)
	}

	reg := tabaudio.NewRegistry(client, client,
		tabaudio.WithMetrics(tel.Metrics),
		tabaudio.WithTracer(tel.Tracer),
	)
	return &session{tel: tel, client: client, reg: reg}, nil
}

// Close releases registry handles, then the connection, then flushes telemetry.
func (s *session) Close() error {
	errs := []error{s.reg.Shutdown(), s.client.Close()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, s.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
