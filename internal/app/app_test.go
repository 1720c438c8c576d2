package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/config"
	"metl-sql/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.QueryLogPath = filepath.Join(dir, "history.sqlite")
	cfg.Host.ProcStatPath = filepath.Join(dir, "stat")
	cfg.Host.ProcNetDevPath = filepath.Join(dir, "net_dev")
	cfg.Host.ProcMeminfoPath = filepath.Join(dir, "meminfo")
	cfg.Host.CatalinaLogPath = filepath.Join(dir, "catalina.out")
	cfg.Host.CatalinaArchive = filepath.Join(dir, "catalina*.gz")
	cfg.Host.EmeraldLibGlob = filepath.Join(dir, "emerald-1*.jar")
	cfg.Host.ProbeTimeout = 50 * time.Millisecond
	return cfg
}

func refuse(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestNew_WiresHistory(t *testing.T) {
	a, err := New(t.Context(), Deps{Cfg: testConfig(t), Dial: refuse, OnGCE: func() bool { return false }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })

	require.NotNil(t, a.Engine)
	require.NotNil(t, a.History)

	_, err = a.Engine.Query(t.Context(), domain.Credentials{Username: "alice", Password: "pw"}, `SELECT * FROM "group"`)
	require.Error(t, err, "the upstream is unreachable")

	entries, total, err := a.History.List(t.Context(), domain.QueryLogFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.QueryStatusError, entries[0].Status)
	assert.Equal(t, "alice", entries[0].Principal)
}

func TestNew_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueryLogPath = ""

	a, err := New(t.Context(), Deps{Cfg: cfg, Dial: refuse})
	require.NoError(t, err)
	assert.Nil(t, a.History)
	assert.Nil(t, a.Store)
	require.NoError(t, a.Stop())
}

func TestStartStop(t *testing.T) {
	a, err := New(t.Context(), Deps{Cfg: testConfig(t), Dial: refuse, OnGCE: func() bool { return false }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Error(t, a.Start(ctx), "sampler is already running")

	select {
	case <-a.Prober.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("prober did not finish")
	}
	assert.Equal(t, domain.Unknown, a.Prober.Identity().Warehouse)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
}
