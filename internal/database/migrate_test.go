package database

import (
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/boq?sslmode=disable", migrateURL("postgres://u:p@db:5432/boq?sslmode=disable"))
	assert.Equal(t, "pgx5://db/boq", migrateURL("postgresql://db/boq"))
	assert.Equal(t, "pgx5://db/boq", migrateURL("pgx5://db/boq"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, 3, ups)
	assert.Equal(t, ups, downs)
}

func TestMigrateRoundTrip(t *testing.T) {
	dsn := os.Getenv("BOQ_TEST_DATABASE_URL")
	if testing.Short() || dsn == "" {
		t.Skip("BOQ_TEST_DATABASE_URL not set")
	}
	require.NoError(t, MigrateUp(dsn))
	version, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 3, version)

	require.NoError(t, MigrateDown(dsn))
	version, _, err = MigrationVersion(dsn)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	require.NoError(t, MigrateUp(dsn))
}
