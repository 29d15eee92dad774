// Package config loads the YAML configuration shared by the storage layer,
// the enhancement coordinator and the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Storage      StorageConfig     `yaml:"storage" json:"storage"`
	Enhancements EnhancementConfig `yaml:"enhancements" json:"enhancements"`
	Logging      LoggingConfig     `yaml:"logging" json:"logging"`
}

// StorageConfig holds backend locations and the synced-backend limits.
// The limits mirror the browser sync-storage quotas by default.
type StorageConfig struct {
	// Durable-synced backend file (JSON). Usually lives in a replicated folder.
	SyncPath string `yaml:"sync_path" json:"sync_path"`
	// Local-only backend database (SQLite).
	LocalPath string `yaml:"local_path" json:"local_path"`

	MaxItemBytes     int           `yaml:"max_item_bytes" json:"max_item_bytes"`
	MaxTotalBytes    int           `yaml:"max_total_bytes" json:"max_total_bytes"`
	MaxWritesPerMin  int           `yaml:"max_writes_per_window" json:"max_writes_per_window"`
	RateWindow       time.Duration `yaml:"rate_window" json:"rate_window"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	WatchSyncBackend bool          `yaml:"watch_sync_backend" json:"watch_sync_backend"`
}

// EnhancementConfig tunes the lifecycle coordinator.
type EnhancementConfig struct {
	// ExtraSelfHandling adds glob patterns to the built-in self-handling table.
	ExtraSelfHandling []string `yaml:"extra_self_handling" json:"extra_self_handling"`
	// InitTimeout bounds a single unit's Initialize call. Zero means no bound.
	InitTimeout time.Duration `yaml:"init_timeout" json:"init_timeout"`
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

const (
	DefaultMaxItemBytes    = 8192
	DefaultMaxTotalBytes   = 102400
	DefaultMaxWritesPerMin = 10
	DefaultRateWindow      = time.Minute
	DefaultProbeTimeout    = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
)

// Default returns a configuration with the standard quotas and paths under ~/.lmsenhancer.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Storage: StorageConfig{
			SyncPath:        filepath.Join(base, "sync.json"),
			LocalPath:       filepath.Join(base, "local.db"),
			MaxItemBytes:    DefaultMaxItemBytes,
			MaxTotalBytes:   DefaultMaxTotalBytes,
			MaxWritesPerMin: DefaultMaxWritesPerMin,
			RateWindow:      DefaultRateWindow,
			ProbeTimeout:    DefaultProbeTimeout,
			WriteTimeout:    DefaultWriteTimeout,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultBaseDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".lmsenhancer"
	}
	return filepath.Join(homeDir, ".lmsenhancer")
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the storage layer cannot honor.
func (c *Config) Validate() error {
	s := c.Storage
	if s.MaxItemBytes <= 0 {
		return fmt.Errorf("storage.max_item_bytes must be positive, got %d", s.MaxItemBytes)
	}
	if s.MaxTotalBytes < s.MaxItemBytes {
		return fmt.Errorf("storage.max_total_bytes (%d) must be at least max_item_bytes (%d)", s.MaxTotalBytes, s.MaxItemBytes)
	}
	if s.MaxWritesPerMin <= 0 {
		return fmt.Errorf("storage.max_writes_per_window must be positive, got %d", s.MaxWritesPerMin)
	}
	if s.RateWindow <= 0 {
		return fmt.Errorf("storage.rate_window must be positive, got %s", s.RateWindow)
	}
	if s.ProbeTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("storage timeouts must not be negative")
	}
	if c.Enhancements.InitTimeout < 0 {
		return fmt.Errorf("enhancements.init_timeout must not be negative")
	}
	return nil
}
