package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the detokd configuration file
// (~/.config/detokd/config.yaml). Fields that need to distinguish "not
// set" from zero values are pointers.
type Config struct {
	TokenizerJSON string `yaml:"tokenizer_json"`
	PullAddr      string `yaml:"pull_addr"`
	PushAddr      string `yaml:"push_addr"`
	MonitorAddr   string `yaml:"monitor_addr"`

	SendRetries *int64 `yaml:"send_retries"`
	SendTimeout string `yaml:"send_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "detokd", "config.yaml")
}

// loadConfig reads the config file if present. A missing file is not an
// error; a malformed one is.
func loadConfig() (Config, error) {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyServeConfig applies config file defaults to serve command
// variables when the corresponding CLI flag was not explicitly set.
func applyServeConfig(c *cli.Command, cfg Config) error {
	if cfg.TokenizerJSON != "" && !c.IsSet("tokenizer-json") {
		tokenizerJSONPath = cfg.TokenizerJSON
	}
	if cfg.PullAddr != "" && !c.IsSet("pull-addr") {
		pullAddr = cfg.PullAddr
	}
	if cfg.PushAddr != "" && !c.IsSet("push-addr") {
		pushAddr = cfg.PushAddr
	}
	if cfg.MonitorAddr != "" && !c.IsSet("monitor-addr") {
		monitorAddr = cfg.MonitorAddr
	}
	if cfg.SendRetries != nil && !c.IsSet("send-retries") {
		sendRetries = *cfg.SendRetries
	}
	if cfg.SendTimeout != "" && !c.IsSet("send-timeout") {
		d, err := time.ParseDuration(cfg.SendTimeout)
		if err != nil {
			return fmt.Errorf("send_timeout: %w", err)
		}
		sendTimeout = d
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	return nil
}
