package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/biopay/internal/logger"
	postgresstore "github.com/wolfeidau/biopay/internal/store/postgres"
)

type MigrateCmd struct {
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg := c.PostgresStore.config()
	cfg.AutoMigrate = false

	pool, err := postgresstore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer pool.Close()

	if err := postgresstore.Migrate(ctx, pool); err != nil {
		return err
	}

	log.Info().Msg("Database migrations completed")
	return nil
}
