// Package config loads Dispatch's configuration: environment-sourced
// database and HTTP settings, plus a YAML file of per-adapter-kind defaults
// merged over built-ins, following the same load→merge→validate pipeline as
// the teacher's configuration package.
package config

import (
	"context"
	"fmt"
	"log/slog"
)

// Config is the fully resolved, ready-to-use configuration returned by
// Initialize. It is constructed once at process start and threaded through
// the service container — no package-level globals.
type Config struct {
	ConfigDir   string
	Environment string

	HTTPAddr         string
	AllowedWSOrigins []string

	Database  DatabaseConfig
	Queue     *QueueConfig
	Retention *RetentionConfig
	Adapters  *DispatchYAMLConfig
}

// Initialize loads, validates, and returns ready-to-use configuration. This
// is the primary entry point called from cmd/dispatchd.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	dbCfg, err := LoadDatabaseConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database configuration: %w", err)
	}

	adapters, err := loadAdapterDefaults(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load adapter defaults: %w", err)
	}

	cfg := &Config{
		ConfigDir:        configDir,
		Environment:      getEnvOrDefault("DISPATCH_ENV", "development"),
		HTTPAddr:         getEnvOrDefault("DISPATCH_HTTP_ADDR", ":8080"),
		AllowedWSOrigins: nil,
		Database:         dbCfg,
		Queue:            DefaultQueueConfig(),
		Retention:        DefaultRetentionConfig(),
		Adapters:         adapters,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("configuration initialized",
		"http_addr", cfg.HTTPAddr,
		"db_host", cfg.Database.Host,
		"idle_threshold", cfg.Queue.IdleThreshold)
	return cfg, nil
}

// Validate performs cross-field validation on the fully resolved config.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return NewValidationError("http", "addr", fmt.Errorf("must not be empty"))
	}
	if c.Queue.MaxAppendFailures < 1 {
		return NewValidationError("queue", "max_append_failures", fmt.Errorf("must be at least 1"))
	}
	return nil
}
