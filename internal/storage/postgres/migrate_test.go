package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	got, err := migrateURL("postgres://booths:pw@localhost:5432/booths?sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, "pgx5://booths:pw@localhost:5432/booths?sslmode=disable", got)

	got, err = migrateURL("postgresql://h/db")
	require.NoError(t, err)
	require.Equal(t, "pgx5://h/db", got)

	_, err = migrateURL("host=localhost user=booths password=secret")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret@")
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()

	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
}
