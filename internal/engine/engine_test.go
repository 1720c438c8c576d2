package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/domain"
	"metl-sql/internal/tables"
)

type fakeGate struct {
	err   error
	calls int
}

func (g *fakeGate) Check(context.Context, domain.Credentials) error {
	g.calls++
	return g.err
}

type fakeTables struct {
	gotTable domain.Table
	gotReq   tables.Request
	err      error
}

func (f *fakeTables) Run(_ context.Context, table domain.Table, req tables.Request) (*domain.TabularResult, error) {
	f.gotTable, f.gotReq = table, req
	if f.err != nil {
		return nil, f.err
	}
	res := domain.NewTabularResult(table.Columns())
	res.Append(domain.Row{"groupname": "g1"})
	return res, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.QueryLogEntry
}

func (h *fakeHistory) Insert(_ context.Context, e *domain.QueryLogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

var alice = domain.Credentials{Username: "alice", Password: "pw"}

func newEngine(gate *fakeGate, tbl *fakeTables, hist *fakeHistory) *Engine {
	opts := Options{Gate: gate, Tables: tbl}
	if hist != nil {
		opts.History = hist
	}
	return New(opts)
}

func TestQuery_RoutesToTable(t *testing.T) {
	gate, tbl, hist := &fakeGate{}, &fakeTables{}, &fakeHistory{}
	e := newEngine(gate, tbl, hist)

	rs, err := e.Query(context.Background(), alice, `SELECT * FROM "group" LIMIT 7`)
	require.NoError(t, err)
	assert.Equal(t, domain.TableGroup, tbl.gotTable)
	assert.Equal(t, tables.Request{Creds: alice, Limit: 7, HasLimit: true}, tbl.gotReq)
	assert.Equal(t, "group", rs.Table())
	assert.Equal(t, []string{"groupname"}, rs.ColumnNames())
	assert.Equal(t, 1, gate.calls)

	require.Len(t, hist.entries, 1)
	entry := hist.entries[0]
	assert.Equal(t, "alice", entry.Principal)
	assert.Equal(t, domain.QueryStatusOK, entry.Status)
	require.NotNil(t, entry.Table)
	assert.Equal(t, "group", *entry.Table)
	assert.Equal(t, int64(1), entry.RowCount)
}

func TestQuery_CountMode(t *testing.T) {
	tbl := &fakeTables{}
	e := newEngine(&fakeGate{}, tbl, nil)

	_, err := e.Query(context.Background(), alice, `SELECT COUNT(*) FROM (SELECT * FROM "job" LIMIT 2)`)
	require.NoError(t, err)
	assert.Equal(t, domain.TableJob, tbl.gotTable)
	assert.True(t, tbl.gotReq.CountOnly)
	assert.False(t, tbl.gotReq.HasLimit)
}

func TestQuery_GateFailureStopsEverything(t *testing.T) {
	gate := &fakeGate{err: domain.ErrAuth("nope")}
	tbl, hist := &fakeTables{}, &fakeHistory{}
	e := newEngine(gate, tbl, hist)

	_, err := e.Query(context.Background(), alice, `SELECT * FROM "group"`)
	var auth *domain.AuthError
	require.ErrorAs(t, err, &auth)
	assert.Empty(t, tbl.gotTable)

	require.Len(t, hist.entries, 1)
	assert.Equal(t, domain.QueryStatusError, hist.entries[0].Status)
	assert.Equal(t, "nope", *hist.entries[0].ErrorMessage)
}

func TestQuery_SyntaxError(t *testing.T) {
	hist := &fakeHistory{}
	e := newEngine(&fakeGate{}, &fakeTables{}, hist)

	_, err := e.Query(context.Background(), alice, `SELECT 1`)
	var syn *domain.SyntaxError
	require.ErrorAs(t, err, &syn)
	require.Len(t, hist.entries, 1)
	assert.Nil(t, hist.entries[0].Table)
}

func TestQuery_HandlerErrorRecordsTable(t *testing.T) {
	hist := &fakeHistory{}
	tbl := &fakeTables{err: domain.ErrUpstream(500, nil, "Error listing groups")}
	e := newEngine(&fakeGate{}, tbl, hist)

	_, err := e.Query(context.Background(), alice, `SELECT * FROM "project"`)
	var up *domain.UpstreamError
	require.True(t, errors.As(err, &up))
	require.Len(t, hist.entries, 1)
	assert.Equal(t, "project", *hist.entries[0].Table)
}

func TestQuery_TransactionControlIsNoOp(t *testing.T) {
	tbl := &fakeTables{}
	e := newEngine(&fakeGate{}, tbl, nil)

	for _, sql := range []string{"BEGIN", "commit", "ROLLBACK", "START TRANSACTION", "SET search_path = public", "SAVEPOINT a", "RELEASE a"} {
		rs, err := e.Query(context.Background(), alice, sql)
		require.NoError(t, err, sql)
		assert.Empty(t, rs.Columns(), sql)
	}
	assert.Empty(t, tbl.gotTable)
}

func TestQuery_InformationSchema(t *testing.T) {
	tbl := &fakeTables{}
	e := newEngine(&fakeGate{}, tbl, nil)

	rs, err := e.Query(context.Background(), alice, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`)
	require.NoError(t, err)
	assert.Equal(t, "information_schema.tables", rs.Table())
	assert.Equal(t, len(domain.Tables), rs.Len())
	assert.Empty(t, tbl.gotTable)
}

func TestIsTransactionControl(t *testing.T) {
	assert.True(t, IsTransactionControl("  begin;"))
	assert.True(t, IsTransactionControl("END"))
	assert.False(t, IsTransactionControl(`SELECT * FROM "group"`))
	assert.False(t, IsTransactionControl(`SELECT 'BEGIN'`))
	assert.False(t, IsTransactionControl("BEGINNING"))
}

func TestAuthenticate(t *testing.T) {
	gate := &fakeGate{err: domain.ErrAuth("bad")}
	e := newEngine(gate, &fakeTables{}, nil)
	require.Error(t, e.Authenticate(context.Background(), alice))
	assert.Equal(t, 1, gate.calls)
}
