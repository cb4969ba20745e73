//go:build integration

// Package dbtest starts a migrated PostgreSQL container for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/coachdesk/coachdesk/internal/platform/db"
)

// Postgres runs postgres:16-alpine, applies every migration and returns a pool plus the DSN.
// The test is skipped when no container runtime is reachable.
func Postgres(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("container runtime not available, skipping integration test")
	}
	_ = provider.Close()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("coachdesk_test"),
		postgres.WithUsername("coachdesk"),
		postgres.WithPassword("coachdesk"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := db.NewMigrator(dsn)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := db.New(connectCtx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, dsn
}

// SeedUser inserts an active user and returns its id.
func SeedUser(t *testing.T, pool *pgxpool.Pool, email, name, role string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (email, name, password_hash, role) VALUES ($1, $2, '', $3) RETURNING id`,
		email, name, role).Scan(&id)
	require.NoError(t, err)
	return id
}
