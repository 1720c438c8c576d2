// Package api provides the HTTP admin and query API.
package api

import (
	"context"
	"log/slog"

	"metl-sql/internal/domain"
	"metl-sql/internal/gateway"
	"metl-sql/internal/resultset"
	"metl-sql/internal/sampler"
)

// Engine answers statements. *engine.Engine satisfies it.
type Engine interface {
	Query(ctx context.Context, creds domain.Credentials, sql string) (*resultset.ResultSet, error)
}

// History lists recorded statements.
type History interface {
	List(ctx context.Context, filter domain.QueryLogFilter) ([]domain.QueryLogEntry, int64, error)
}

// SourceHealth reports the sampler's per-source state.
type SourceHealth interface {
	Health() []sampler.Health
}

// PlatformIdentity reports what the prober found out about the host.
type PlatformIdentity interface {
	Identity() sampler.Identity
}

// SchemeReporter reports the negotiated upstream protocol.
type SchemeReporter interface {
	Scheme() gateway.Scheme
}

// Options wires a Handler. Only Engine is required.
type Options struct {
	Engine   Engine
	History  History
	Sampler  SourceHealth
	Platform PlatformIdentity
	Gateway  SchemeReporter
	Version  string
	Logger   *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	engine   Engine
	history  History
	sampler  SourceHealth
	platform PlatformIdentity
	gateway  SchemeReporter
	version  string
	logger   *slog.Logger
}

// NewHandler returns a Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		engine:   opts.Engine,
		history:  opts.History,
		sampler:  opts.Sampler,
		platform: opts.Platform,
		gateway:  opts.Gateway,
		version:  opts.Version,
		logger:   logger.With("component", "api"),
	}
}
