// Package config loads and validates Loom configuration from YAML (or
// JSON5) files with $include composition and environment expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for Loom.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Worker        WorkerConfig        `yaml:"worker"`
	Executor      ExecutorConfig      `yaml:"executor"`
	LLM           LLMConfig           `yaml:"llm"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	AutoExec      AutoExecConfig      `yaml:"auto_exec"`
	Events        EventsConfig        `yaml:"events"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is one of "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver"`

	// URL is the postgres connection string.
	URL string `yaml:"url"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig controls the optional durable event sink.
type EventsConfig struct {
	// JSONLPath appends every event as one JSON line when set.
	JSONLPath string `yaml:"jsonl_path"`
}

// AutoExecConfig controls mid-stream tool auto-execution.
type AutoExecConfig struct {
	// Tools is the allowlist of tool names the stream parser may run
	// as soon as their call completes.
	Tools []string `yaml:"tools"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loom.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	cfg.Worker.applyDefaults()
	cfg.Executor.applyDefaults()
	cfg.LLM.applyDefaults()
	cfg.RateLimit.applyDefaults()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "loom"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.LLM.validate(); err != nil {
		return err
	}
	return nil
}
