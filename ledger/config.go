package ledger

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds ledger configuration.
type Config struct {
	DBPath   string `yaml:"db_path"`
	Listen   string `yaml:"listen"`
	MaxConns int    `yaml:"max_conns"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "ledger.db"
	}
	if c.Listen == "" {
		c.Listen = ":8470"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 256
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}
