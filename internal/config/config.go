package config

import (
	"fmt"
	"time"
)

// Config holds the complete forged daemon configuration.
type Config struct {
	Environment string         `koanf:"environment"`
	Server      ServerConfig   `koanf:"server"`
	Logging     LoggingConfig  `koanf:"logging"`
	Kernel      KernelConfig   `koanf:"kernel"`
	Store       StoreConfig    `koanf:"store"`
	Jobs        JobsConfig     `koanf:"jobs"`
	Flags       FlagsConfig    `koanf:"flags"`
	App         map[string]any `koanf:"app"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration. Fields are
// constant key/value pairs attached to every log entry.
type LoggingConfig struct {
	Level  string            `koanf:"level"`
	Format string            `koanf:"format"`
	Caller bool              `koanf:"caller"`
	Fields map[string]string `koanf:"fields"`
}

// KernelConfig holds module lifecycle configuration.
//
// HealthPolicy selects how per-module health rolls up into the aggregate:
//   - "all":      every initialized module must report healthy
//   - "required": modules whose descriptor marks them Optional are reported
//     but excluded from the aggregate verdict
type KernelConfig struct {
	InitTimeout     Duration `koanf:"init_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	HealthTimeout   Duration `koanf:"health_timeout"`
	HealthPolicy    string   `koanf:"health_policy"`
}

// StoreConfig holds the embedded SQLite store configuration.
type StoreConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// JobsConfig holds the NATS-backed job queue configuration.
//
// DispatchRate caps handler invocations per second per queue; DispatchBurst
// is the token bucket burst size.
type JobsConfig struct {
	URL           string `koanf:"url"`
	Token         Secret `koanf:"token"`
	DispatchRate  int    `koanf:"dispatch_rate"`
	DispatchBurst int    `koanf:"dispatch_burst"`
}

// FlagsConfig holds feature flag definitions and the optional reload file.
//
// Definitions are registered at startup. When File is set, the daemon watches
// it and re-registers flag definitions on change; later registrations win.
type FlagsConfig struct {
	File        string                `koanf:"file"`
	Definitions map[string]FlagConfig `koanf:"definitions"`
}

// FlagConfig defines a single feature flag.
type FlagConfig struct {
	Enabled bool     `koanf:"enabled"`
	Rollout int      `koanf:"rollout"`
	Tenants []string `koanf:"tenants"`
	Users   []string `koanf:"users"`
}

// HealthPolicy values accepted by KernelConfig.
const (
	HealthPolicyAll      = "all"
	HealthPolicyRequired = "required"
)

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Kernel defaults
	if cfg.Kernel.InitTimeout == 0 {
		cfg.Kernel.InitTimeout = Duration(30 * time.Second)
	}
	if cfg.Kernel.ShutdownTimeout == 0 {
		cfg.Kernel.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Kernel.HealthTimeout == 0 {
		cfg.Kernel.HealthTimeout = Duration(5 * time.Second)
	}
	if cfg.Kernel.HealthPolicy == "" {
		cfg.Kernel.HealthPolicy = HealthPolicyAll
	}

	// Store defaults
	if cfg.Store.Path == "" {
		cfg.Store.Path = "forged.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}

	// Jobs defaults
	if cfg.Jobs.URL == "" {
		cfg.Jobs.URL = "nats://localhost:4222"
	}
	if cfg.Jobs.DispatchRate == 0 {
		cfg.Jobs.DispatchRate = 100
	}
	if cfg.Jobs.DispatchBurst == 0 {
		cfg.Jobs.DispatchBurst = 200
	}
}

// Validate checks the configuration for errors.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Logging format is not "json" or "console"
//   - A logging field has an empty key or value
//   - Kernel health policy is not "all" or "required"
//   - Jobs dispatch rate or burst is not positive
//   - A flag rollout is outside 0-100
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	for key, value := range c.Logging.Fields {
		if key == "" {
			return fmt.Errorf("logging field key cannot be empty")
		}
		if value == "" {
			return fmt.Errorf("logging field %q has an empty value", key)
		}
	}

	if c.Kernel.HealthPolicy != HealthPolicyAll && c.Kernel.HealthPolicy != HealthPolicyRequired {
		return fmt.Errorf("kernel health policy must be %q or %q, got %q",
			HealthPolicyAll, HealthPolicyRequired, c.Kernel.HealthPolicy)
	}
	if c.Kernel.InitTimeout <= 0 {
		return fmt.Errorf("kernel init timeout must be positive")
	}
	if c.Kernel.ShutdownTimeout <= 0 {
		return fmt.Errorf("kernel shutdown timeout must be positive")
	}
	if c.Kernel.HealthTimeout <= 0 {
		return fmt.Errorf("kernel health timeout must be positive")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}

	if c.Jobs.DispatchRate < 1 {
		return fmt.Errorf("jobs dispatch rate must be positive, got %d", c.Jobs.DispatchRate)
	}
	if c.Jobs.DispatchBurst < 1 {
		return fmt.Errorf("jobs dispatch burst must be positive, got %d", c.Jobs.DispatchBurst)
	}

	for name, flag := range c.Flags.Definitions {
		if name == "" {
			return fmt.Errorf("flag name cannot be empty")
		}
		if flag.Rollout < 0 || flag.Rollout > 100 {
			return fmt.Errorf("flag %q rollout must be 0-100, got %d", name, flag.Rollout)
		}
	}

	return nil
}
