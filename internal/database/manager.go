// Package database coordinates the mining daemon's storage backends:
// PostgreSQL for share history, Redis for cross-process dedup and seed
// caching, InfluxDB for throughput metrics. Every backend is optional; a
// daemon with no storage configured still mines.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/junocash/jmined/internal/database/influx"
	"github.com/junocash/jmined/internal/database/postgres"
	"github.com/junocash/jmined/internal/database/redis"
	"github.com/junocash/jmined/pkg/circuit"
	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/log"
	"github.com/junocash/jmined/pkg/retry"
)

// Manager holds the configured storage backends. Nil members mean the
// backend was not configured.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Shares    *postgres.ShareRepository
	Templates *postgres.TemplateRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for the storage backends. Nil sub-configs
// disable the corresponding backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects the configured backends. A connection failure tears
// down any backends already opened.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New("database", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL")
		}
		m.Postgres = pgClient
		m.Shares = postgres.NewShareRepository(pgClient.DB())
		m.Templates = postgres.NewTemplateRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis, logger)
		if err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
		}
		m.Influx = influxClient
	}

	return m, nil
}

// Close closes all open backend connections.
func (m *Manager) Close() error {
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks all configured backends.
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// RecordShare persists a submitted share's verdict. A no-op without
// PostgreSQL.
func (m *Manager) RecordShare(ctx context.Context, share *postgres.ShareRecord) error {
	if m.Shares == nil {
		return nil
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share").
					WithContext("height", share.Height).
					WithContext("status", share.Status)
			}
			return nil
		})
	})
}

// RecordTemplate persists an adopted template. A no-op without PostgreSQL.
func (m *Manager) RecordTemplate(ctx context.Context, tmpl *postgres.TemplateRecord) error {
	if m.Templates == nil {
		return nil
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Templates.CreateTemplate(ctx, tmpl); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_template",
					"failed to store template record").
					WithContext("height", tmpl.Height)
			}
			return nil
		})
	})
}

// StartPeriodicTasks runs background flush loops for the configured
// backends until the context is canceled.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.Influx.Flush()
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
