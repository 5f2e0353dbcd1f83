// Package config loads the colstore YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/colstore/internal/colstore"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up when none is given.
const DefaultFileName = "colstore.yaml"

// Config is the content of a configuration file.
type Config struct {
	// DataDir holds one directory per table. A relative path is resolved
	// against the directory of the configuration file.
	DataDir string            `yaml:"data_dir"`
	Tables  []colstore.Schema `yaml:"tables"`
	Retry   Retry             `yaml:"retry"`
}

// Retry configures how the CLI retries on lock contention.
type Retry struct {
	RatePerSec float64       `yaml:"rate_per_sec,omitempty"`
	Burst      int           `yaml:"burst,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// Defaults applied to fields left empty.
const (
	defaultDataDir    = "data"
	defaultRatePerSec = 50
	defaultBurst      = 1
	defaultTimeout    = 2 * time.Second
)

// Load reads, completes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(path), c.DataDir)
	}
	return c, nil
}

// Parse decodes a configuration, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Retry.RatePerSec == 0 {
		c.Retry.RatePerSec = defaultRatePerSec
	}
	if c.Retry.Burst == 0 {
		c.Retry.Burst = defaultBurst
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = defaultTimeout
	}
}

// Validate checks every table schema and the retry settings.
func (c *Config) Validate() error {
	if len(c.Tables) == 0 {
		return errors.New("no tables defined")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	if c.Retry.RatePerSec < 0 || c.Retry.Burst < 0 || c.Retry.Timeout < 0 {
		return errors.New("retry settings must not be negative")
	}
	return nil
}

// Schema returns the schema of the named table.
func (c *Config) Schema(name string) (*colstore.Schema, error) {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i], nil
		}
	}
	return nil, fmt.Errorf("table %q is not configured", name)
}

// Limiter returns a limiter pacing retries on lock contention.
func (c *Config) Limiter() *rate.Limiter {
	return colstore.NewRetryLimiter(c.Retry.RatePerSec, c.Retry.Burst)
}
