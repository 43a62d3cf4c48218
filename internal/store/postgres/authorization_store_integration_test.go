//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
	"github.com/wolfeidau/biopay/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	// Start postgres container
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := Open(ctx, &Config{
		PoolConfig:  PoolConfig{ConnString: connString},
		AutoMigrate: true,
	})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	_, err := pool.Exec(context.Background(), `TRUNCATE pending_authorizations, authorization_sessions`)
	require.NoError(t, err)
}

func TestIntegration_AuthorizationStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	storetest.RunAuthorizationStoreTests(t, func(t *testing.T) store.AuthorizationStore {
		truncate(t, pool)
		return NewAuthorizationStore(pool)
	})
}

func TestIntegration_Notifier(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	storetest.RunNotifierTests(t, NewNotifier(pool, "authz_outcomes_test"))
}

func TestIntegration_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	// Several brokers starting together race to migrate the same database.
	errs := make(chan error, 3)
	for range 3 {
		go func() { errs <- Migrate(ctx, pool) }()
	}
	for range 3 {
		require.NoError(t, <-errs)
	}

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)

	var name, app string
	require.NoError(t, pool.QueryRow(ctx, `SELECT name FROM schema_migrations WHERE version = 1`).Scan(&name))
	require.Equal(t, "1_initial_schema.sql", name)
	require.NoError(t, pool.QueryRow(ctx, `SELECT current_setting('application_name')`).Scan(&app))
	require.Equal(t, "biopay", app)
}

func TestIntegration_SessionConstraints(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	s := NewAuthorizationStore(pool)
	now := time.Now().UTC()

	err := s.PutSession(ctx, &models.Session{
		Token:         "short-key",
		PrivateKey:    "abcd",
		WalletAddress: "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf",
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	})
	require.Error(t, err)
}
