package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/supervisor"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "/etc/nasandbox/config.yaml"
	defaultLogLevel   = "warn"
)

// MetricsConfig holds run metrics settings.
type MetricsConfig struct {
	// TextfilePath is a node exporter textfile collector target. Empty disables metrics.
	TextfilePath string `yaml:"textfilePath"`
}

// AppConfig is the optional YAML configuration of the CLI.
type AppConfig struct {
	Logger     logger.Config     `yaml:"logger"`
	Supervisor supervisor.Config `yaml:"supervisor"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path when given. Without an explicit path the default
// location is used if it exists; otherwise built-in defaults apply.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if err := loadYAML(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = defaultLogLevel
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Supervisor.PollInterval < 0 {
		return nil, fmt.Errorf("supervisor pollInterval must not be negative")
	}
	return &cfg, nil
}
