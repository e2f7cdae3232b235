// Package config provides YAML configuration loading and validation for
// mevi.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for mevi.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address serving the subscriber
	// stream and REST status API (e.g. "127.0.0.1:5001"). Defaults to
	// "127.0.0.1:5001" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// SocketPath is the filesystem path of the AF_UNIX rendezvous socket
	// the preloaded library connects to. Defaults to "/tmp/mevi.sock" when
	// omitted.
	SocketPath string `yaml:"socket_path"`

	// PreloadPath is the path to the shared library injected into the
	// traced command via LD_PRELOAD. Required.
	PreloadPath string `yaml:"preload_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// BatchWindow is how long the relay waits to coalesce additional
	// PageIn/PageOut events into a single Batch frame once the first event
	// of a run arrives. Defaults to 48ms when omitted.
	BatchWindow time.Duration `yaml:"batch_window"`

	// RecordPath, if set, enables durable SQLite-backed recording of every
	// serialized wire frame at the given path for offline replay. Empty
	// disables recording. Ignored when RecordDSN is set.
	RecordPath string `yaml:"record_path"`

	// RecordDSN, if set, switches recording to the pgx-backed Postgres
	// store instead of embedded SQLite, for deployments that centralize
	// recorded sessions from multiple hosts in a shared database. Takes
	// precedence over RecordPath when both are set.
	RecordDSN string `yaml:"record_dsn"`

	// AuditPath, if set, enables the tamper-evident hash-chained audit log
	// of tracee lifecycle events at the given path. Empty disables
	// auditing.
	AuditPath string `yaml:"audit_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. A validation error
// lists every failure found, joined with errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:5001"
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/mevi.sock"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 48 * time.Millisecond
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.PreloadPath == "" {
		errs = append(errs, errors.New("preload_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.BatchWindow < 0 {
		errs = append(errs, fmt.Errorf("batch_window %s must not be negative", cfg.BatchWindow))
	}

	return errors.Join(errs...)
}
