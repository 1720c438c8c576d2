// Package flightsql serves the virtual tables to Arrow Flight SQL clients.
package flightsql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"google.golang.org/grpc"
	grpcHealth "google.golang.org/grpc/health"
	grpcHealthV1 "google.golang.org/grpc/health/grpc_health_v1"

	"metl-sql/internal/domain"
	"metl-sql/internal/resultset"
)

// drainTimeout bounds GracefulStop before open streams are cut.
const drainTimeout = 5 * time.Second

// Engine answers statements. *engine.Engine satisfies it.
type Engine interface {
	Query(ctx context.Context, creds domain.Credentials, sql string) (*resultset.ResultSet, error)
}

// Server is a gRPC listener exposing the Flight SQL service and the
// standard health service.
type Server struct {
	addr    string
	logger  *slog.Logger
	engine  Engine
	version string

	mu  sync.Mutex
	run *serving
}

// serving is one started listener.
type serving struct {
	ln     net.Listener
	grpc   *grpc.Server
	health *grpcHealth.Server
	done   chan struct{}
}

// NewServer returns a listener for addr. version is reported through
// GetSqlInfo.
func NewServer(addr string, engine Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{addr: addr, engine: engine, version: version, logger: logger.With("component", "flightsql")}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return errors.New("flight sql listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen flight sql: %w", err)
	}

	run := &serving{
		ln: ln,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(s.logUnary),
			grpc.ChainStreamInterceptor(s.logStream),
		),
		health: grpcHealth.NewServer(),
		done:   make(chan struct{}),
	}
	flightSrv := arrowflightsql.NewFlightServer(newQueryServer(s.engine, s.version, s.logger))
	arrowflight.RegisterFlightServiceServer(run.grpc, flightSrv)
	grpcHealthV1.RegisterHealthServer(run.grpc, run.health)
	run.health.SetServingStatus("", grpcHealthV1.HealthCheckResponse_SERVING)

	go func() {
		defer close(run.done)
		if err := run.grpc.Serve(ln); err != nil {
			s.logger.Debug("flight sql gRPC server stopped", "error", err)
		}
	}()
	s.run = run
	s.logger.Info("flight sql listener started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.ln.Addr().String()
}

// Shutdown reports NOT_SERVING, lets in-flight calls finish for up to
// drainTimeout and then stops hard. Calling it twice is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	run.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		run.grpc.GracefulStop()
		close(drained)
	}()
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("flight sql drain timed out, stopping")
		run.grpc.Stop()
	case <-ctx.Done():
		run.grpc.Stop()
		err = fmt.Errorf("flight sql shutdown: %w", ctx.Err())
	}

	<-run.done
	return err
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logCall(info.FullMethod, start, err)
	return resp, err
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logCall(info.FullMethod, start, err)
	return err
}

func (s *Server) logCall(method string, start time.Time, err error) {
	attrs := []any{"method", method, "duration_ms", time.Since(start).Milliseconds()}
	if err != nil {
		s.logger.Debug("flight sql call failed", append(attrs, "error", err)...)
		return
	}
	s.logger.Debug("flight sql call", attrs...)
}
