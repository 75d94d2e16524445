// Package config loads typed configuration from SCM_-prefixed
// environment variables. Each concern gets its own struct with a
// converter to the package-level config it feeds.
package config

import (
	"errors"
	"fmt"

	"github.com/logbook/scmsync/internal/env"
)

// ErrDSNRequired is returned when the Postgres DSN is not configured.
var ErrDSNRequired = errors.New("SCM_POSTGRES_DSN is required")

// Config holds the full process configuration.
type Config struct {
	Postgres  PostgresConfig
	Scheduler SchedulerConfig
	Breaker   BreakerConfig
	Worker    WorkerConfig
	Reaper    ReaperConfig
	RateLimit RateLimitConfig
	Adapter   AdapterConfig

	// Namespace prefixes the KV namespaces (cursors, breaker state,
	// pauses) so several deployments can share one logbook schema.
	Namespace string `env:"SCM_LOGBOOK_NAMESPACE" default:"scm"`

	// WorkerPool names the fleet this process belongs to; it labels
	// runs and forms a circuit breaker scope.
	WorkerPool string `env:"SCM_WORKER_POOL"`

	OTelEnabled bool `env:"SCM_OTEL_ENABLED" default:"false"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	DSN string `env:"SCM_POSTGRES_DSN"`

	MaxOpenConns     int `env:"SCM_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns     int `env:"SCM_POSTGRES_MAX_IDLE_CONNS"`
	StatementTimeout int `env:"SCM_POSTGRES_STATEMENT_TIMEOUT_SEC" default:"30"`
}

// Validate enforces the mandatory DSN.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return ErrDSNRequired
	}
	return nil
}
