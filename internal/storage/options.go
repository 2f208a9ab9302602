package storage

import (
	"log/slog"
	"strings"
	"time"
)

// Option configures a Registry or a PostgresPersister. Options that only make
// sense for one of them are ignored by the other.
type Option interface {
	applyRegistry(*Registry)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	registry func(*Registry)
	pg       func(*PostgresConfig)
}

func (o optionAdapter) applyRegistry(r *Registry) {
	if o.registry != nil && r != nil {
		o.registry(r)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(registry func(*Registry), pg func(*PostgresConfig)) Option {
	return optionAdapter{registry: registry, pg: pg}
}

func registryOnlyOption(registry func(*Registry)) Option {
	return optionAdapter{registry: registry}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func WithLogger(logger *slog.Logger) Option {
	return composeOption(
		func(r *Registry) {
			if logger != nil {
				r.logger = logger
			}
		},
		func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	)
}

// WithClock replaces the time source used for CreatedAt/UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return registryOnlyOption(func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	})
}

func WithPersister(p Persister) Option {
	return registryOnlyOption(func(r *Registry) {
		if p != nil {
			r.persister = p
		}
	})
}

// WithPersistTimeout bounds each Save/Delete call made while a resource lock
// is held.
func WithPersistTimeout(timeout time.Duration) Option {
	return registryOnlyOption(func(r *Registry) {
		if timeout > 0 {
			r.persistTimeout = timeout
		}
	})
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a statement waits for a pooled
// connection. The same deadline covers the statement itself.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
