package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_event_log.up.sql"))
	assert.Equal(t, "000002", extractVersion("000002_projections_v2.down.sql"))
	assert.Equal(t, "noversion.up.sql", extractVersion("noversion.up.sql"))
}

func TestLoad_OrdersUpFilesWithChecksums(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"000002_b.up.sql":   "CREATE TABLE b ();",
		"000001_a.up.sql":   "CREATE TABLE a ();",
		"000001_a.down.sql": "DROP TABLE a;",
		"README.md":         "not sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	m := NewMigrator(nil, dir, zerolog.Nop())
	migrations, err := m.load()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "000001_a.up.sql", migrations[0].name)
	assert.Equal(t, "000002", migrations[1].version)
	assert.Len(t, migrations[0].sum, 64)
	assert.NotEqual(t, migrations[0].sum, migrations[1].sum)
}

func TestLoad_RejectsDuplicateVersions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_a.up.sql"), []byte("SELECT 1;"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_b.up.sql"), []byte("SELECT 2;"), 0o600))

	_, err := NewMigrator(nil, dir, zerolog.Nop()).load()
	assert.Error(t, err)
}

func TestLoad_RepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, filepath.Join("..", "..", "migrations"), zerolog.Nop()).load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for _, mg := range migrations {
		down := strings.TrimSuffix(mg.name, ".up.sql") + ".down.sql"
		_, err := os.Stat(filepath.Join("..", "..", "migrations", down))
		assert.NoError(t, err, "missing down migration for %s", mg.name)
	}
}
