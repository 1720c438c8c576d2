package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery  = 5 * time.Minute
	idleTimeout = 10 * time.Minute
)

// RateLimitConfig sizes the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type bucket struct {
	lim  *rate.Limiter
	used time.Time
}

// buckets holds one token bucket per client address.
type buckets struct {
	cfg RateLimitConfig
	now func() time.Time

	mu    sync.Mutex
	byKey map[string]*bucket
}

func newBuckets(cfg RateLimitConfig) *buckets {
	return &buckets{cfg: cfg, now: time.Now, byKey: map[string]*bucket{}}
}

// take spends one token for key. When the bucket is empty it reports how
// long the client should wait instead.
func (b *buckets) take(key string) (remaining int, wait time.Duration) {
	now := b.now()

	b.mu.Lock()
	bk := b.byKey[key]
	if bk == nil {
		bk = &bucket{lim: rate.NewLimiter(rate.Limit(b.cfg.RequestsPerSecond), b.cfg.Burst)}
		b.byKey[key] = bk
	}
	bk.used = now
	b.mu.Unlock()

	res := bk.lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, time.Duration(math.MaxInt64)
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return 0, d
	}
	return int(bk.lim.TokensAt(now)), 0
}

func (b *buckets) sweep(idle time.Duration) {
	cutoff := b.now().Add(-idle)
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bk := range b.byKey {
		if bk.used.Before(cutoff) {
			delete(b.byKey, key)
		}
	}
}

func (b *buckets) sweepUntil(ctx context.Context) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.sweep(idleTimeout)
		}
	}
}

// RateLimiter answers 429 with Retry-After once a client's bucket is empty.
// Buckets idle for ten minutes are dropped until ctx ends.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	b := newBuckets(cfg)
	go b.sweepUntil(ctx)
	return b.middleware
}

func (b *buckets) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait := b.take(clientIP(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(b.cfg.Burst))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if wait > 0 {
			if wait < time.Hour {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the RemoteAddr host. Forwarding headers are ignored since
// callers control them.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
