// Package security guards the orchestration API from repeated logins.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"metl-sql/internal/domain"
)

// Messages returned to SQL clients.
const (
	MsgInvalidCredentials = "Invalid username or password, or not privileged to use the API"
	MsgCooldown           = "Bad username or password: please wait %d seconds before retrying"
)

// LoginFunc validates credentials against the API.
type LoginFunc func(ctx context.Context, creds domain.Credentials) error

// CredentialGate caches the outcome of logins. A username whose last login
// failed is rejected without an API call until the cooldown passes; a
// username/password pair that last succeeded is accepted without one.
//
// SQL clients reconnect often, so most checks are answered from the caches.
type CredentialGate struct {
	login    LoginFunc
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	good map[string]string    // username -> last validated password
	bad  map[string]time.Time // username -> time of last failed login
}

// NewCredentialGate creates a gate that calls login on cache misses.
func NewCredentialGate(login LoginFunc, cooldown time.Duration, logger *slog.Logger) *CredentialGate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &CredentialGate{
		login:    login,
		cooldown: cooldown,
		logger:   logger.With("component", "credential-gate"),
		now:      time.Now,
		good:     make(map[string]string),
		bad:      make(map[string]time.Time),
	}
}

// Check returns nil when creds are known good or the API accepts them, and
// an *domain.AuthError otherwise. No lock is held during the API call.
func (g *CredentialGate) Check(ctx context.Context, creds domain.Credentials) error {
	trusted, err := g.fromCache(creds)
	if trusted || err != nil {
		return err
	}

	if err := g.login(ctx, creds); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Info("login rejected", "user", creds.Username, "error", err)
		g.recordFailure(creds.Username)
		return domain.ErrAuth(MsgInvalidCredentials)
	}

	g.recordSuccess(creds)
	g.logger.Debug("login accepted", "user", creds.Username)
	return nil
}

// fromCache reports an exact good-cache hit, or purges expired bad entries
// and rejects a user still cooling down.
func (g *CredentialGate) fromCache(creds domain.Credentials) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pw, ok := g.good[creds.Username]; ok && pw == creds.Password {
		return true, nil
	}

	now := g.now()
	for user, failedAt := range g.bad {
		if now.Sub(failedAt) > g.cooldown {
			delete(g.bad, user)
		}
	}
	if _, ok := g.bad[creds.Username]; ok {
		return false, domain.ErrAuth(MsgCooldown, int(g.cooldown/time.Second))
	}
	return false, nil
}

func (g *CredentialGate) recordFailure(username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.good, username)
	g.bad[username] = g.now()
}

func (g *CredentialGate) recordSuccess(creds domain.Credentials) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.good[creds.Username] = creds.Password
	delete(g.bad, creds.Username)
}

