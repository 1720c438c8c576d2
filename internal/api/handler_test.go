package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/db"
	"metl-sql/internal/db/repository"
	"metl-sql/internal/domain"
	"metl-sql/internal/engine"
	"metl-sql/internal/gateway"
	"metl-sql/internal/middleware"
	"metl-sql/internal/resultset"
	"metl-sql/internal/sampler"
	"metl-sql/internal/tables"
)

type passwordGate map[string]string

func (g passwordGate) Check(_ context.Context, creds domain.Credentials) error {
	if pw, ok := g[creds.Username]; ok && pw == creds.Password {
		return nil
	}
	return domain.ErrAuth("invalid credentials for %s", creds.Username)
}

type stubTables struct{}

func (stubTables) Run(_ context.Context, table domain.Table, req tables.Request) (*domain.TabularResult, error) {
	if table != domain.TableGroup {
		return nil, domain.ErrUpstream(503, nil, "upstream unavailable")
	}
	if req.CountOnly {
		return domain.CountResult(2), nil
	}
	res := domain.NewTabularResult(table.Columns())
	res.Append(domain.Row{"groupname": "g1"})
	res.Append(domain.Row{"groupname": "g2"})
	return res, nil
}

type stubSampler []sampler.Health

func (s stubSampler) Health() []sampler.Health { return s }

type stubPlatform sampler.Identity

func (p stubPlatform) Identity() sampler.Identity { return sampler.Identity(p) }

type stubScheme gateway.Scheme

func (s stubScheme) Scheme() gateway.Scheme { return gateway.Scheme(s) }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	gate := passwordGate{"alice": "s3cret", "bob": "hunter2"}
	if opts.Engine == nil {
		store := db.OpenTestStore(t)
		repo := repository.NewQueryLogRepo(store.Write, store.Read)
		opts.History = repo
		opts.Engine = engine.New(engine.Options{Gate: gate, Tables: stubTables{}, History: repo})
	}
	router := NewRouter(t.Context(), NewHandler(opts), RouterOptions{
		Gate:      gate,
		RateLimit: middleware.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, user, pass, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Options{
		Sampler: stubSampler{
			{Source: "cpu", Path: "/proc/stat", Running: true},
			{Source: "net", Path: "/proc/net/dev", Error: "no such file"},
		},
		Platform: stubPlatform{Provider: "AWS", Warehouse: "Snowflake", Version: "1.68.3"},
		Gateway:  stubScheme(gateway.SchemeHTTPS),
		Version:  "v1.2.3",
	})

	resp, body := do(t, srv, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "https", body["upstream_protocol"])
	assert.Equal(t, "v1.2.3", body["version"])
	platform := body["platform"].(map[string]interface{})
	assert.Equal(t, "AWS", platform["provider"])
	assert.Equal(t, "Snowflake", platform["cdw"])
	assert.Len(t, body["sources"], 2)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHealthz_Minimal(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, body := do(t, srv, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "platform")
}

func TestListTables(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, body := do(t, srv, http.MethodGet, "/v1/tables", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := body["tables"].([]interface{})
	require.Len(t, list, len(domain.Tables))
	first := list[0].(map[string]interface{})
	assert.Equal(t, domain.Tables[0].String(), first["name"])
	assert.Equal(t, domain.SchemaName, first["schema"])
	col := first["columns"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, domain.ColumnTypeName, col["type"])
	assert.InDelta(t, float64(domain.ColumnSize), col["length"], 0.001)
}

func TestExecuteQuery(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, body := do(t, srv, http.MethodPost, "/v1/query", "alice", "s3cret", `{"sql":"SELECT * FROM \"group\""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "group", body["table"])
	assert.Equal(t, []interface{}{"groupname"}, body["columns"])
	assert.Equal(t, []interface{}{[]interface{}{"g1"}, []interface{}{"g2"}}, body["rows"])
	assert.InDelta(t, 2, body["row_count"], 0.001)

	resp, body = do(t, srv, http.MethodPost, "/v1/query", "alice", "s3cret", `{"sql":"SELECT COUNT(*) FROM \"group\""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"counter"}, body["columns"])
	assert.Equal(t, []interface{}{[]interface{}{"2"}}, body["rows"])
}

func TestExecuteQuery_Errors(t *testing.T) {
	srv := newTestServer(t, Options{})

	tests := []struct {
		name       string
		user, pass string
		body       string
		want       int
	}{
		{"no credentials", "", "", `{"sql":"SELECT 1"}`, http.StatusUnauthorized},
		{"wrong password", "alice", "nope", `{"sql":"SELECT 1"}`, http.StatusUnauthorized},
		{"malformed body", "alice", "s3cret", `{"sql":`, http.StatusBadRequest},
		{"empty sql", "alice", "s3cret", `{"sql":"  "}`, http.StatusBadRequest},
		{"syntax error", "alice", "s3cret", `{"sql":"SELECT 1"}`, http.StatusBadRequest},
		{"upstream failure", "alice", "s3cret", `{"sql":"SELECT * FROM \"job\""}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/v1/query", tt.user, tt.pass, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.InDelta(t, float64(tt.want), body["code"], 0.001)
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestListQueries(t *testing.T) {
	srv := newTestServer(t, Options{})

	do(t, srv, http.MethodPost, "/v1/query", "alice", "s3cret", `{"sql":"SELECT * FROM \"group\""}`)
	time.Sleep(2 * time.Millisecond)
	do(t, srv, http.MethodPost, "/v1/query", "alice", "s3cret", `{"sql":"SELECT nothing"}`)
	do(t, srv, http.MethodPost, "/v1/query", "bob", "hunter2", `{"sql":"SELECT * FROM \"group\""}`)

	resp, body := do(t, srv, http.MethodGet, "/v1/queries", "alice", "s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 2, body["total"], 0.001)
	queries := body["queries"].([]interface{})
	require.Len(t, queries, 2)
	newest := queries[0].(map[string]interface{})
	assert.Equal(t, "SELECT nothing", newest["sql"])
	assert.Equal(t, domain.QueryStatusError, newest["status"])
	assert.Equal(t, "Syntax error", newest["error_message"])
	oldest := queries[1].(map[string]interface{})
	assert.Equal(t, "group", oldest["table"])
	assert.InDelta(t, 2, oldest["row_count"], 0.001)

	resp, body = do(t, srv, http.MethodGet, "/v1/queries?limit=1", "alice", "s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["queries"], 1)
	token, _ := body["next_page_token"].(string)
	require.NotEmpty(t, token)

	resp, body = do(t, srv, http.MethodGet, "/v1/queries?limit=1&page_token="+token, "alice", "s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["queries"], 1)
	assert.Equal(t, `SELECT * FROM "group"`, body["queries"].([]interface{})[0].(map[string]interface{})["sql"])
	assert.NotContains(t, body, "next_page_token")

	resp, body = do(t, srv, http.MethodGet, "/v1/queries?status=ok", "alice", "s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1, body["total"], 0.001)

	resp, _ = do(t, srv, http.MethodGet, "/v1/queries?limit=zero", "alice", "s3cret", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/v1/queries?status=maybe", "alice", "s3cret", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListQueries_HistoryDisabled(t *testing.T) {
	gate := passwordGate{"alice": "s3cret"}
	eng := engine.New(engine.Options{Gate: gate, Tables: stubTables{}})
	srv := newTestServer(t, Options{Engine: eng})

	resp, _ := do(t, srv, http.MethodGet, "/v1/queries", "alice", "s3cret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoverer(t *testing.T) {
	srv := newTestServer(t, Options{Engine: panicEngine{}})
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/v1/query", strings.NewReader(`{"sql":"SELECT 1"}`))
	require.NoError(t, err)
	req.SetBasicAuth("alice", "s3cret")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Options{})
	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, srv.URL+"/v1/query", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

type panicEngine struct{}

func (panicEngine) Query(context.Context, domain.Credentials, string) (*resultset.ResultSet, error) {
	panic("boom")
}
