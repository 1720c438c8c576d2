// Package main is the entry point for the SQL shim server. It serves the
// virtual tables over the PostgreSQL wire protocol, Flight SQL and an HTTP
// API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"metl-sql/internal/api"
	"metl-sql/internal/app"
	"metl-sql/internal/config"
	"metl-sql/internal/flightsql"
	"metl-sql/internal/middleware"
	"metl-sql/internal/pgwire"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dotEnvErr := config.LoadDotEnv(".env")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if dotEnvErr != nil {
		logger.Warn("could not load .env", "error", dotEnvErr)
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, app.Deps{Cfg: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return multierr.Append(err, a.Stop())
	}

	var pg *pgwire.Server
	if cfg.PGWireEnabled() {
		pg = pgwire.NewServer(cfg.PGWireListenAddr, a.Engine, logger)
		if err := pg.Start(); err != nil {
			return multierr.Append(fmt.Errorf("start pgwire: %w", err), a.Stop())
		}
		logger.Info("PostgreSQL wire listener started", "addr", pg.Addr())
	}

	var flight *flightsql.Server
	if cfg.FlightSQLEnabled() {
		flight = flightsql.NewServer(cfg.FlightSQLListenAddr, a.Engine, version, logger)
		if err := flight.Start(); err != nil {
			err = fmt.Errorf("start flight sql: %w", err)
			if pg != nil {
				err = multierr.Append(err, pg.Shutdown(context.Background()))
			}
			return multierr.Append(err, a.Stop())
		}
		logger.Info("Flight SQL listener started", "addr", flight.Addr())
	}

	apiOpts := api.Options{
		Engine:   a.Engine,
		Sampler:  a.Sampler,
		Platform: a.Prober,
		Gateway:  a.Gateway,
		Version:  version,
		Logger:   logger,
	}
	if a.History != nil {
		apiOpts.History = a.History
	}
	router := api.NewRouter(ctx, api.NewHandler(apiOpts), api.RouterOptions{
		Gate: a.Gate,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr,
			"try", fmt.Sprintf("curl -u <user>:<password> -d '{\"sql\":\"SELECT * FROM \\\"group\\\"\"}' http://%s/v1/query", curlHostForListenAddr(cfg.ListenAddr)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpSrv.Shutdown(shutdownCtx)
		if flight != nil {
			err = multierr.Append(err, flight.Shutdown(shutdownCtx))
		}
		if pg != nil {
			err = multierr.Append(err, pg.Shutdown(shutdownCtx))
		}
		return multierr.Append(err, a.Stop())
	})
	return g.Wait()
}

// curlHostForListenAddr turns a listen address into a host:port a local
// curl can reach.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8090"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
