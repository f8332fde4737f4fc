// Package config reads the qconv configuration file
// (~/.config/qconv/config.yaml).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds defaults for the CLI. Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Kernel defaults
	Parallel *bool  `yaml:"parallel"`
	StrideW  *int   `yaml:"stride_w"`
	StrideH  *int   `yaml:"stride_h"`
	Padding  string `yaml:"padding"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress   string `yaml:"server_address"`
	MaxRequestBytes *int64 `yaml:"max_request_bytes"`
}

// Path returns the default config file location, or "" when the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qconv", "config.yaml")
}

// Load reads the default config file. A missing or unreadable file yields a
// zero Config.
func Load() Config {
	path := Path()
	if path == "" {
		return Config{}
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

// LoadFile reads the config at path. Unlike Load it reports every failure,
// including a missing file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.StrideW != nil && *c.StrideW <= 0 {
		return fmt.Errorf("stride_w must be positive, got %d", *c.StrideW)
	}
	if c.StrideH != nil && *c.StrideH <= 0 {
		return fmt.Errorf("stride_h must be positive, got %d", *c.StrideH)
	}
	if c.MaxRequestBytes != nil && *c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max_request_bytes must be positive, got %d", *c.MaxRequestBytes)
	}
	return nil
}
