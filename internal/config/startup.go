package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StartupTab describes a tab to open when tabmix launches the browser.
type StartupTab struct {
	URL string `yaml:"url"`
	// NewWindow opens the tab in a window of its own.
	NewWindow bool `yaml:"new_window"`
}

// StartupConfig is the top-level YAML file listing startup tabs.
type StartupConfig struct {
	Tabs []StartupTab `yaml:"tabs"`
}

// LoadStartup reads and validates a startup tabs file. Returns an
// os.ErrNotExist-wrapped error if the file is absent.
func LoadStartup(path string) (*StartupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	var cfg StartupConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	if len(cfg.Tabs) < 1 {
		return nil, fmt.Errorf("startup config: at least one tab entry is required")
	}
	for i, t := range cfg.Tabs {
		if t.URL == "" {
			return nil, fmt.Errorf("startup config: tabs[%d] missing url", i)
		}
	}
	return &cfg, nil
}
