package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	w := dsn("/tmp/history.sqlite", ModeWrite)
	assert.True(t, strings.HasPrefix(w, "/tmp/history.sqlite?"))
	assert.Contains(t, w, "_journal_mode=WAL")
	assert.Contains(t, w, "_busy_timeout=5000")
	assert.Contains(t, w, "_synchronous=NORMAL")
	assert.Contains(t, w, "_txlock=immediate")

	assert.NotContains(t, dsn("/tmp/history.sqlite", ModeRead), "_txlock")
}

func TestOpen_InvalidMode(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), "both", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(context.Background(), "/nonexistent/dir/x.db", ModeWrite, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping sqlite")
}

func TestOpen_PoolSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.db")

	w, err := Open(context.Background(), path, ModeWrite, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	assert.Equal(t, 1, w.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, w.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))

	r, err := Open(context.Background(), path, ModeRead, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, 4, r.Stats().MaxOpenConnections)
}

func TestOpenStore_Migrates(t *testing.T) {
	s := OpenTestStore(t)

	var n int
	require.NoError(t, s.Read.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'query_log'").Scan(&n))
	assert.Equal(t, 1, n)

	// A second run over a migrated file is a no-op.
	applied, err := Migrate(t.Context(), s.Write)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrate_FreshDatabase(t *testing.T) {
	w, err := Open(t.Context(), filepath.Join(t.TempDir(), "fresh.sqlite"), ModeWrite, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	applied, err := Migrate(t.Context(), w)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, applied)
}
