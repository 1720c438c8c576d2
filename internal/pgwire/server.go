// Package pgwire serves the virtual tables over the PostgreSQL v3 wire
// protocol, authenticating clients with a cleartext password.
package pgwire

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"metl-sql/internal/domain"
	"metl-sql/internal/resultset"
)

const (
	protocolVersion3 int32 = 196608
	sslRequestCode   int32 = 80877103
	gssRequestCode   int32 = 80877104
	cancelReqCode    int32 = 80877102

	// Startup and frontend messages above this size are rejected.
	maxMessageSize = 1 << 20
)

// Engine answers statements. *engine.Engine satisfies it.
type Engine interface {
	Authenticate(ctx context.Context, creds domain.Credentials) error
	Query(ctx context.Context, creds domain.Credentials, sql string) (*resultset.ResultSet, error)
}

// Server is a PostgreSQL wire listener.
type Server struct {
	addr   string
	logger *slog.Logger
	engine Engine

	mu     sync.Mutex
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queryMu sync.Mutex
	active  map[backendKey]context.CancelFunc
}

type backendKey struct {
	processID int32
	secretKey int32
}

// NewServer returns a listener for addr. Start begins accepting.
func NewServer(addr string, engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:   addr,
		logger: logger.With("component", "pgwire"),
		engine: engine,
		active: make(map[backendKey]context.CancelFunc),
	}
}

// Start listens and serves connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("pgwire listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen pgwire: %w", err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("pg-wire listener enabled", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting, cancels running queries and waits for open
// connections to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	cancel()
	if err := ln.Close(); err != nil {
		return fmt.Errorf("close pgwire listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pgwire shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close() //nolint:errcheck
			// Unblock reads when the server shuts down.
			stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
			defer stop()
			s.handleConn(conn)
		}()
	}
}

// session is the per-connection state after authentication.
type session struct {
	conn  net.Conn
	creds domain.Credentials
	key   backendKey

	// Unnamed statement and portal of the extended protocol.
	statement string
	paramOIDs []uint32
	portal    string
	params    []string
	described *resultset.ResultSet
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		length, code, err := readStartupHeader(conn)
		if err != nil {
			return
		}
		if length < 8 || length > maxMessageSize {
			_ = writeError(conn, "08P01", "invalid startup packet")
			return
		}

		switch code {
		case sslRequestCode, gssRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
			continue
		case cancelReqCode:
			var payload [8]byte
			if length != 16 {
				return
			}
			if _, err := io.ReadFull(conn, payload[:]); err != nil {
				return
			}
			s.cancelQuery(backendKey{
				processID: int32(binary.BigEndian.Uint32(payload[0:4])),
				secretKey: int32(binary.BigEndian.Uint32(payload[4:8])),
			})
			return
		case protocolVersion3:
			payload := make([]byte, length-8)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			sess, ok := s.authenticate(conn, parseStartupParams(payload))
			if !ok {
				return
			}
			s.serve(sess)
			return
		default:
			_ = writeError(conn, "0A000", "unsupported startup protocol")
			return
		}
	}
}

// authenticate requests a cleartext password and runs it through the
// credential gate.
func (s *Server) authenticate(conn net.Conn, params map[string]string) (*session, bool) {
	user := strings.TrimSpace(params["user"])
	if user == "" {
		_ = writeError(conn, "28000", "startup user is required")
		return nil, false
	}
	if err := writeAuthRequest(conn, authCleartextPassword); err != nil {
		return nil, false
	}

	typ, payload, err := readMessage(conn)
	if err != nil {
		return nil, false
	}
	if typ != 'p' {
		_ = writeError(conn, "08P01", "expected password message")
		return nil, false
	}
	password := string(bytes.TrimSuffix(payload, []byte{0}))

	creds := domain.Credentials{Username: user, Password: password}
	if err := s.engine.Authenticate(s.ctx, creds); err != nil {
		s.logger.Info("authentication failed", "user", user, "remote", conn.RemoteAddr().String(), "error", err)
		_ = writeQueryError(conn, err)
		return nil, false
	}

	sess := &session{conn: conn, creds: creds, key: newBackendKey()}
	for _, err := range []error{
		writeAuthRequest(conn, authOK),
		writeParameterStatus(conn, "server_version", "16.0"),
		writeParameterStatus(conn, "server_encoding", "UTF8"),
		writeParameterStatus(conn, "client_encoding", "UTF8"),
		writeParameterStatus(conn, "DateStyle", "ISO, MDY"),
		writeParameterStatus(conn, "standard_conforming_strings", "on"),
		writeBackendKeyData(conn, sess.key),
		writeReadyForQuery(conn),
	} {
		if err != nil {
			return nil, false
		}
	}
	return sess, true
}

func (s *Server) serve(sess *session) {
	for {
		typ, payload, err := readMessage(sess.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("read frontend message", "error", err)
			}
			return
		}

		switch typ {
		case 'Q':
			s.simpleQuery(sess, string(bytes.TrimSuffix(payload, []byte{0})))
			_ = writeReadyForQuery(sess.conn)
		case 'P':
			s.parse(sess, payload)
		case 'B':
			s.bind(sess, payload)
		case 'D':
			s.describe(sess, payload)
		case 'E':
			s.execute(sess, payload)
		case 'C':
			s.closeTarget(sess, payload)
		case 'H':
			// Flush: nothing is buffered.
		case 'S':
			_ = writeReadyForQuery(sess.conn)
		case 'X':
			return
		default:
			_ = writeError(sess.conn, "08P01", fmt.Sprintf("unsupported frontend message type %q", typ))
			_ = writeReadyForQuery(sess.conn)
		}
	}
}

// run executes sql with cancellation keyed to the session's backend key.
func (s *Server) run(sess *session, sql string) (*resultset.ResultSet, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.queryMu.Lock()
	s.active[sess.key] = cancel
	s.queryMu.Unlock()
	defer func() {
		s.queryMu.Lock()
		delete(s.active, sess.key)
		s.queryMu.Unlock()
	}()

	return s.engine.Query(ctx, sess.creds, sql)
}

func (s *Server) cancelQuery(key backendKey) {
	s.queryMu.Lock()
	cancel := s.active[key]
	s.queryMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) simpleQuery(sess *session, sql string) {
	if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")) == "" {
		_ = writeEmptyQueryResponse(sess.conn)
		return
	}
	rs, err := s.run(sess, sql)
	if err != nil {
		_ = writeQueryError(sess.conn, err)
		return
	}
	_ = writeResult(sess.conn, sql, rs, true)
}

func (s *Server) parse(sess *session, payload []byte) {
	offset := 0
	name, ok1 := readCString(payload, &offset)
	query, ok2 := readCString(payload, &offset)
	if !ok1 || !ok2 || len(payload[offset:]) < 2 {
		_ = writeError(sess.conn, "08P01", "invalid Parse message")
		return
	}
	if name != "" {
		_ = writeError(sess.conn, "0A000", "only the unnamed prepared statement is supported")
		return
	}
	n := int(binary.BigEndian.Uint16(payload[offset:]))
	offset += 2
	if len(payload[offset:]) < n*4 {
		_ = writeError(sess.conn, "08P01", "invalid Parse parameter type list")
		return
	}
	sess.statement = query
	sess.paramOIDs = make([]uint32, n)
	for i := range sess.paramOIDs {
		sess.paramOIDs[i] = binary.BigEndian.Uint32(payload[offset+i*4:])
	}
	sess.portal, sess.params, sess.described = "", nil, nil
	_ = writeEmpty(sess.conn, '1')
}

func (s *Server) bind(sess *session, payload []byte) {
	portal, params, err := decodeBind(payload, sess.paramOIDs)
	if err != nil {
		_ = writeError(sess.conn, "08P01", err.Error())
		return
	}
	if portal != "" {
		_ = writeError(sess.conn, "0A000", "only the unnamed portal is supported")
		return
	}
	if sess.statement == "" {
		_ = writeError(sess.conn, "26000", "no prepared statement")
		return
	}
	sess.portal, sess.params, sess.described = sess.statement, params, nil
	_ = writeEmpty(sess.conn, '2')
}

// describe answers a statement with its parameter types and no row shape,
// and a portal by running the query so the row shape is exact. The result
// is kept for the following Execute.
func (s *Server) describe(sess *session, payload []byte) {
	offset := 1
	if len(payload) < 1 {
		_ = writeError(sess.conn, "08P01", "invalid Describe message")
		return
	}
	if name, ok := readCString(payload, &offset); !ok || name != "" {
		_ = writeError(sess.conn, "0A000", "only the unnamed statement and portal are supported")
		return
	}

	switch payload[0] {
	case 'S':
		if sess.statement == "" {
			_ = writeError(sess.conn, "26000", "no prepared statement")
			return
		}
		_ = writeParameterDescription(sess.conn, sess.paramOIDs)
		_ = writeEmpty(sess.conn, 'n')
	case 'P':
		if sess.portal == "" {
			_ = writeError(sess.conn, "34000", "no bound portal")
			return
		}
		rs, err := s.runPortal(sess)
		if err != nil {
			_ = writeQueryError(sess.conn, err)
			return
		}
		sess.described = rs
		if len(rs.Columns()) == 0 {
			_ = writeEmpty(sess.conn, 'n')
			return
		}
		_ = writeRowDescription(sess.conn, rs.ColumnNames())
	default:
		_ = writeError(sess.conn, "08P01", "unsupported Describe target")
	}
}

func (s *Server) runPortal(sess *session) (*resultset.ResultSet, error) {
	sql, err := substituteParams(sess.portal, sess.params)
	if err != nil {
		return nil, domain.ErrValidation("%s", err.Error())
	}
	return s.run(sess, sql)
}

func (s *Server) execute(sess *session, payload []byte) {
	offset := 0
	name, ok := readCString(payload, &offset)
	if !ok || len(payload[offset:]) < 4 {
		_ = writeError(sess.conn, "08P01", "invalid Execute message")
		return
	}
	if name != "" {
		_ = writeError(sess.conn, "0A000", "only the unnamed portal is supported")
		return
	}
	if sess.portal == "" {
		_ = writeError(sess.conn, "34000", "no bound portal")
		return
	}

	rs := sess.described
	sess.described = nil
	if rs == nil {
		var err error
		if rs, err = s.runPortal(sess); err != nil {
			_ = writeQueryError(sess.conn, err)
			return
		}
	}
	_ = writeResult(sess.conn, sess.portal, rs, false)
}

func (s *Server) closeTarget(sess *session, payload []byte) {
	offset := 1
	if len(payload) < 1 {
		_ = writeError(sess.conn, "08P01", "invalid Close message")
		return
	}
	if _, ok := readCString(payload, &offset); !ok {
		_ = writeError(sess.conn, "08P01", "invalid Close message")
		return
	}
	switch payload[0] {
	case 'S':
		sess.statement, sess.paramOIDs = "", nil
		fallthrough
	case 'P':
		sess.portal, sess.params, sess.described = "", nil, nil
	default:
		_ = writeError(sess.conn, "08P01", "unsupported Close target")
		return
	}
	_ = writeEmpty(sess.conn, '3')
}

func newBackendKey() backendKey {
	return backendKey{processID: randomInt32(), secretKey: randomInt32()}
}

func randomInt32() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	if v := int32(binary.BigEndian.Uint32(b[:])); v != 0 {
		return v
	}
	return 1
}

// sqlState maps an engine error to a SQLSTATE code.
func sqlState(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "57014"
	}
	var (
		syntax       *domain.SyntaxError
		auth         *domain.AuthError
		upstream     *domain.UpstreamError
		notSupported *domain.NotSupportedError
		validation   *domain.ValidationError
		notFound     *domain.NotFoundError
	)
	switch {
	case errors.As(err, &syntax):
		return "42601"
	case errors.As(err, &auth):
		return "28P01"
	case errors.As(err, &upstream):
		return "58000"
	case errors.As(err, &notSupported):
		return "0A000"
	case errors.As(err, &validation):
		return "22023"
	case errors.As(err, &notFound):
		return "42P01"
	default:
		return "XX000"
	}
}
