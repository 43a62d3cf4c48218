package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/biopay/internal/store"
	memorystore "github.com/wolfeidau/biopay/internal/store/memory"
	postgresstore "github.com/wolfeidau/biopay/internal/store/postgres"
	redisstore "github.com/wolfeidau/biopay/internal/store/redis"
)

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns         int32         `help:"maximum number of query connections; the LISTEN connection is reserved on top" default:"10"`
	MinConns         int32         `help:"minimum number of idle query connections" default:"2"`
	MaxConnLifetime  time.Duration `help:"maximum connection lifetime" default:"30m"`
	MaxConnIdleTime  time.Duration `help:"maximum connection idle time" default:"5m"`
	StatementTimeout time.Duration `help:"server side timeout for broker statements" default:"5s"`

	// Notification Configuration
	NotifyChannel string `help:"LISTEN/NOTIFY channel for authorization outcomes" default:"authz_outcomes" env:"BIOPAY_POSTGRES_NOTIFY_CHANNEL"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"BIOPAY_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (s *PostgresStoreFlags) config() *postgresstore.Config {
	return &postgresstore.Config{
		PoolConfig: postgresstore.PoolConfig{
			ConnString:       s.ConnString,
			MaxConns:         s.MaxConns,
			MinConns:         s.MinConns,
			MaxConnLifetime:  s.MaxConnLifetime,
			MaxConnIdleTime:  s.MaxConnIdleTime,
			StatementTimeout: s.StatementTimeout,
		},
		AutoMigrate:   s.AutoMigrate,
		NotifyChannel: s.NotifyChannel,
	}
}

type RedisStoreFlags struct {
	Addr      string `help:"Redis address" default:"localhost:6379" env:"BIOPAY_REDIS_ADDR"`
	Password  string `help:"Redis password" env:"BIOPAY_REDIS_PASSWORD"`
	DB        int    `help:"Redis database number" default:"0" env:"BIOPAY_REDIS_DB"`
	KeyPrefix string `help:"prefix for every key and channel" default:"biopay:" env:"BIOPAY_REDIS_KEY_PREFIX"`
}

func (s *RedisStoreFlags) Validate() error {
	if s.Addr == "" {
		return errors.New("redis address is required (--redis-addr or BIOPAY_REDIS_ADDR)")
	}
	return nil
}

// stores bundles the store and notifier with whatever needs closing on shutdown.
type stores struct {
	authorizations store.AuthorizationStore
	notifier       store.Notifier
	close          func()
}

func openStores(ctx context.Context, log zerolog.Logger, storeType string, pg *PostgresStoreFlags, rd *RedisStoreFlags) (*stores, error) {
	switch storeType {
	case "postgres":
		if err := pg.Validate(); err != nil {
			return nil, err
		}
		cfg := pg.config()
		pool, err := postgresstore.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		log.Info().Str("channel", cfg.NotifyChannel).Msg("Using PostgreSQL authorization store")
		return &stores{
			authorizations: postgresstore.NewAuthorizationStore(pool),
			notifier:       postgresstore.NewNotifier(pool, cfg.NotifyChannel),
			close:          pool.Close,
		}, nil

	case "redis":
		if err := rd.Validate(); err != nil {
			return nil, err
		}
		cfg := &redisstore.Config{
			Addr:      rd.Addr,
			Password:  rd.Password,
			DB:        rd.DB,
			KeyPrefix: rd.KeyPrefix,
		}
		client, err := redisstore.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		log.Info().Str("addr", rd.Addr).Msg("Using Redis authorization store")
		return &stores{
			authorizations: redisstore.NewAuthorizationStore(client, cfg.KeyPrefix),
			notifier:       redisstore.NewNotifier(client, cfg.KeyPrefix),
			close: func() {
				if err := client.Close(); err != nil {
					log.Error().Err(err).Msg("Failed to close redis client")
				}
			},
		}, nil

	default:
		log.Info().Msg("Using in-memory authorization store")
		return &stores{
			authorizations: memorystore.NewAuthorizationStore(),
			notifier:       memorystore.NewNotifier(),
			close:          func() {},
		}, nil
	}
}
