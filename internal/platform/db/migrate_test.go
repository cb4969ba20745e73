package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/app?sslmode=disable", MigrationURL("postgres://u:p@localhost:5432/app?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/app", MigrationURL("postgresql://localhost/app"))
	require.Equal(t, "pgx5://already", MigrationURL("pgx5://already"))
}
