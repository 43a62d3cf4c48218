// Package redis implements the authorization store and outcome notifier on Redis,
// so several broker instances can share pending requests and sessions.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key and channel. Default: biopay:
	KeyPrefix string

	// ConnectAttempts bounds the startup ping retries. Default: 5
	ConnectAttempts uint
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "biopay:"
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	return nil
}

// NewClient connects to Redis, retrying the initial ping with exponential backoff.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, client.Ping(pingCtx).Err()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(cfg.ConnectAttempts))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")

	return client, nil
}
