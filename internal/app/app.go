// Package app wires the shim's components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"metl-sql/internal/config"
	"metl-sql/internal/db"
	"metl-sql/internal/db/repository"
	"metl-sql/internal/engine"
	"metl-sql/internal/gateway"
	"metl-sql/internal/latency"
	"metl-sql/internal/metlapi"
	"metl-sql/internal/sampler"
	"metl-sql/internal/security"
	"metl-sql/internal/tables"
)

// Deps holds what the caller must provide. Dial and OnGCE are test seams
// and default to the real network.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Dial   gateway.DialFunc
	OnGCE  func() bool
}

// App holds the wired components. History and Store are nil when query
// history is disabled.
type App struct {
	Gateway *gateway.Gateway
	API     *metlapi.Client
	Gate    *security.CredentialGate
	Sampler *sampler.Sampler
	Prober  *sampler.Prober
	Host    *sampler.Host
	Latency *latency.Collector
	Tables  *tables.Handlers
	Engine  *engine.Engine
	Store   *db.Store
	History *repository.QueryLogRepo

	logger   *slog.Logger
	stopOnce sync.Once
}

// New wires every component. Nothing runs in the background until Start.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	gw := gateway.New(gateway.Options{
		Host:           cfg.Upstream.Host,
		HTTPSPort:      cfg.Upstream.HTTPSPort,
		HTTPPort:       cfg.Upstream.HTTPPort,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		Logger:         logger,
		Dial:           deps.Dial,
	})
	client := metlapi.New(gw)
	gate := security.NewCredentialGate(client.Login, cfg.Upstream.Cooldown, logger)

	smp := sampler.New(sampler.Options{
		StatPath:   cfg.Host.ProcStatPath,
		NetDevPath: cfg.Host.ProcNetDevPath,
		Interval:   cfg.Host.SampleInterval,
		Logger:     logger,
	})
	prober := sampler.NewProber(sampler.ProberOptions{
		OnGCE:       deps.OnGCE,
		Timeout:     cfg.Host.ProbeTimeout,
		LogPath:     cfg.Host.CatalinaLogPath,
		ArchiveGlob: cfg.Host.CatalinaArchive,
		LibGlob:     cfg.Host.EmeraldLibGlob,
		Logger:      logger,
	})
	host := sampler.NewHost(cfg.Host.ProcMeminfoPath)
	collector := latency.NewCollector(cfg.Host.CatalinaLogPath, logger)

	handlers := tables.New(tables.Deps{
		API:       client,
		Metrics:   smp,
		Platform:  prober,
		Host:      host,
		Latencies: collector,
	})

	a := &App{
		Gateway: gw,
		API:     client,
		Gate:    gate,
		Sampler: smp,
		Prober:  prober,
		Host:    host,
		Latency: collector,
		Tables:  handlers,
		logger:  logger.With("component", "app"),
	}

	opts := engine.Options{Gate: gate, Tables: handlers, Logger: logger}
	if cfg.QueryLogEnabled() {
		store, err := db.OpenStore(ctx, cfg.QueryLogPath)
		if err != nil {
			return nil, fmt.Errorf("open query history: %w", err)
		}
		a.Store = store
		a.History = repository.NewQueryLogRepo(store.Write, store.Read)
		opts.History = a.History
	}
	a.Engine = engine.New(opts)
	return a, nil
}

// Start begins sampling host counters and probing the platform. Both stop
// when ctx ends or Stop is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.Sampler.Start(ctx); err != nil {
		return fmt.Errorf("start sampler: %w", err)
	}
	a.Prober.Start(ctx)
	return nil
}

// Stop halts the sampler and closes the history store. Later calls are
// no-ops.
func (a *App) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.Sampler.Stop()
		if a.Store != nil {
			err = multierr.Append(err, a.Store.Close())
		}
		a.logger.Info("stopped")
	})
	return err
}
