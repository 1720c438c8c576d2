package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func limited(cfg RateLimitConfig) (http.Handler, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBuckets(cfg)
	b.now = c.now
	return b.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})), c
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	h, c := limited(RateLimitConfig{RequestsPerSecond: 2, Burst: 3})

	for want := 2; want >= 0; want-- {
		rec := hit(h, "10.1.1.1:4000")
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(want), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := hit(h, "10.1.1.1:4001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body["message"])
	assert.EqualValues(t, http.StatusTooManyRequests, body["code"])

	// A rejected request must not consume the refill.
	c.advance(500 * time.Millisecond)
	assert.Equal(t, http.StatusNoContent, hit(h, "10.1.1.1:4002").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.1.1.1:4003").Code)
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	h, _ := limited(RateLimitConfig{RequestsPerSecond: 0.25, Burst: 1})

	require.Equal(t, http.StatusNoContent, hit(h, "10.1.1.1:1").Code)
	rec := hit(h, "10.1.1.1:1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_ZeroBurstRejectsWithoutRetryAfter(t *testing.T) {
	h, _ := limited(RateLimitConfig{RequestsPerSecond: 1, Burst: 0})

	rec := hit(h, "10.1.1.1:1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiter_BucketsPerAddress(t *testing.T) {
	h, _ := limited(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	require.Equal(t, http.StatusNoContent, hit(h, "10.1.1.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "10.1.1.1:2").Code)
	assert.Equal(t, http.StatusNoContent, hit(h, "10.1.1.2:1").Code)
	assert.Equal(t, http.StatusNoContent, hit(h, "[2001:db8::1]:1").Code)
}

func TestClientIP(t *testing.T) {
	cases := map[string]struct {
		remote, forwarded, want string
	}{
		"ipv4":             {remote: "192.0.2.7:5432", want: "192.0.2.7"},
		"ipv6":             {remote: "[::1]:8443", want: "::1"},
		"no port":          {remote: "unix-socket", want: "unix-socket"},
		"forwarded header": {remote: "10.0.0.1:1", forwarded: "203.0.113.9, 198.51.100.2", want: "10.0.0.1"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, clientIP(req))
		})
	}
}

func TestBuckets_Sweep(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBuckets(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	b.now = c.now

	b.take("stale")
	c.advance(time.Hour)
	b.take("fresh")
	b.sweep(idleTimeout)

	assert.NotContains(t, b.byKey, "stale")
	assert.Contains(t, b.byKey, "fresh")
}

func TestRateLimiter_ServesThrough(t *testing.T) {
	h := RateLimiter(t.Context(), RateLimitConfig{RequestsPerSecond: 10, Burst: 10})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1").Code)
}
