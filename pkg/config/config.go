// Package config holds the application configuration: compiled-in
// defaults, an optional ~/.gattmon.yaml overlay, and the logger factory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattmon/internal/monitor"
)

// FileName is the config file looked up in the user's home directory.
const FileName = ".gattmon.yaml"

// Config holds application configuration. Command-line flags override
// whatever the file sets.
type Config struct {
	LogLevel           string        `yaml:"log_level" default:"info"`
	ScanTimeout        time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout" default:"30s"`
	OutputFormat       string        `yaml:"output_format" default:"table"`
	MaxValueLen        int           `yaml:"max_value_len" default:"256"`
	MaxCharacteristics int           `yaml:"max_characteristics" default:"64"`
	SubscribePolicy    string        `yaml:"subscribe_policy" default:"notify"`
}

// DefaultConfig returns the compiled-in configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath returns the user-level config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, FileName), nil
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads ~/.gattmon.yaml when it exists. Without a resolvable
// home directory the compiled-in defaults are used.
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the fields a typo in the config file would break.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output format %q (expected table or json)", c.OutputFormat)
	}
	if _, err := monitor.ParseSubscribePolicy(c.SubscribePolicy); err != nil {
		return err
	}
	if c.MaxValueLen < 0 {
		return fmt.Errorf("max_value_len must not be negative")
	}
	if c.MaxCharacteristics < 0 {
		return fmt.Errorf("max_characteristics must not be negative")
	}
	return nil
}

// Policy returns the parsed subscribe policy. Validate catches bad
// spellings, so parse errors here fall back to the default.
func (c *Config) Policy() monitor.SubscribePolicy {
	p, _ := monitor.ParseSubscribePolicy(c.SubscribePolicy)
	return p
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
