package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration, loaded from a YAML file.
type Config struct {
	// Username is the name bundles are registered under; peers address
	// messages to it.
	Username string `yaml:"username"`
	// RelayURL is the base URL of the relay server.
	RelayURL string `yaml:"relay_url"`
	// DataDir holds the database and any log file. Defaults to ~/.vesper.
	DataDir string `yaml:"data_dir"`

	Logging struct {
		File    string `yaml:"file"`
		Level   string `yaml:"level"`
		Disable bool   `yaml:"disable"`
	} `yaml:"logging"`

	PreKeys struct {
		// OneTimeTarget is the one-time prekey pool size kept registered.
		OneTimeTarget int `yaml:"one_time_target"`
		// ReplenishThreshold triggers a top-up when the pool drops below it.
		ReplenishThreshold int `yaml:"replenish_threshold"`
	} `yaml:"prekeys"`
}

// LoadConfig reads path, or returns a default config when path is empty and
// no file exists at the default location.
func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)

	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".vesper", "config.yml")
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults only.
	default:
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.RelayURL == "" {
		c.RelayURL = "http://127.0.0.1:8480"
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".vesper")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "WARNING"
	}
	if c.PreKeys.OneTimeTarget <= 0 {
		c.PreKeys.OneTimeTarget = 20
	}
	if c.PreKeys.ReplenishThreshold <= 0 {
		c.PreKeys.ReplenishThreshold = 5
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.PreKeys.ReplenishThreshold > c.PreKeys.OneTimeTarget {
		return errors.New("config: replenish_threshold exceeds one_time_target")
	}
	return nil
}

// DatabasePath is the bbolt file under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "vesper.db")
}
