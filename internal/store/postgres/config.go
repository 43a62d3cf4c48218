package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the PostgreSQL authorization store.
type Config struct {
	PoolConfig

	// AutoMigrate applies pending schema migrations on open.
	AutoMigrate bool

	// NotifyChannel is the LISTEN/NOTIFY channel used to broadcast outcomes.
	// Default: authz_outcomes
	NotifyChannel string
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	c.PoolConfig.ApplyDefaults()
	if c.NotifyChannel == "" {
		c.NotifyChannel = "authz_outcomes"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.PoolConfig.Validate(); err != nil {
		return err
	}
	if c.NotifyChannel == "" {
		return fmt.Errorf("notify channel is required")
	}
	return nil
}

// Open connects to PostgreSQL and, when enabled, runs migrations.
func Open(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.PoolConfig)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("database", pool.Config().ConnConfig.Database).
		Str("host", pool.Config().ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Int32("listen_conns", cfg.ListenConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return pool, nil
}
