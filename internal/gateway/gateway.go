// Package gateway issues authenticated GET calls to the orchestration server's
// REST API. The first call that gets a response decides between HTTPS and
// plain HTTP; the decision holds for the lifetime of the Gateway.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"metl-sql/internal/domain"
)

// APIPrefix is prepended to every request path.
const APIPrefix = "/rest/v1/"

// Scheme is the negotiated transport.
type Scheme int32

const (
	SchemeUnknown Scheme = iota
	SchemeHTTPS
	SchemeHTTP
)

func (s Scheme) String() string {
	switch s {
	case SchemeHTTPS:
		return "https"
	case SchemeHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// DialFunc opens a network connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Gateway.
type Options struct {
	Host           string
	HTTPSPort      int
	HTTPPort       int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	// Dial replaces the default dialer. The default applies ConnectTimeout.
	Dial DialFunc
}

// Response is the status and full body of an API call.
type Response struct {
	Status int
	Body   []byte
}

// OK reports whether the call returned HTTP 200.
func (r *Response) OK() bool { return r.Status == http.StatusOK }

// Gateway is safe for concurrent use.
type Gateway struct {
	opts      Options
	logger    *slog.Logger
	dial      DialFunc
	tlsClient *http.Client
	rawClient *http.Client

	scheme    atomic.Int32 // remembered after a response
	pending   atomic.Int32 // probed but not yet answered
	negotiate singleflight.Group
}

// New builds a Gateway. Zero option fields take the defaults of the
// orchestration server: localhost, 8443, 8080 and a 1.5s connect timeout.
func New(opts Options) *Gateway {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.HTTPSPort == 0 {
		opts.HTTPSPort = 8443
	}
	if opts.HTTPPort == 0 {
		opts.HTTPPort = 8080
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 1500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	g := &Gateway{
		opts:   opts,
		logger: opts.Logger.With("component", "gateway"),
		dial:   opts.Dial,
	}
	if g.dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout}
		g.dial = d.DialContext
	}

	// The certificate of the local server is not checked at all. Requests
	// only ever target opts.Host, and ServerName pins SNI to it.
	tlsConfig := &tls.Config{
		ServerName:         opts.Host,
		InsecureSkipVerify: true, //nolint:gosec // local self-signed endpoint
		MinVersion:         tls.VersionTLS12,
	}
	g.tlsClient = &http.Client{Transport: &http.Transport{
		DialContext:         g.dial,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}}
	g.rawClient = &http.Client{Transport: &http.Transport{
		DialContext:         g.dial,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}}
	return g
}

// Scheme returns the negotiated transport, or SchemeUnknown until a call
// has received a response.
func (g *Gateway) Scheme() Scheme { return Scheme(g.scheme.Load()) }

// Get calls GET /rest/v1/<path>. path must already be escaped; see Escape.
// Basic auth is sent only when both username and password are non-empty.
// A non-200 status is not an error here.
func (g *Gateway) Get(ctx context.Context, creds domain.Credentials, path string) (*Response, error) {
	scheme, known, err := g.resolveScheme(ctx)
	if err != nil {
		return nil, err
	}

	client, port := g.tlsClient, g.opts.HTTPSPort
	if scheme == SchemeHTTP {
		client, port = g.rawClient, g.opts.HTTPPort
	}
	target := scheme.String() + "://" + net.JoinHostPort(g.opts.Host, strconv.Itoa(port)) + APIPrefix + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if creds.Username != "" && creds.Password != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if !known {
			// Probe again on the next call.
			g.pending.CompareAndSwap(int32(scheme), int32(SchemeUnknown))
		}
		return nil, fmt.Errorf("gateway: GET %s: %w", APIPrefix+path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if !known && g.scheme.CompareAndSwap(int32(SchemeUnknown), int32(scheme)) {
		g.logger.Info("negotiated api transport", "scheme", scheme.String(), "host", g.opts.Host)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read %s: %w", APIPrefix+path, err)
	}
	g.logger.Debug("api call",
		"path", APIPrefix+path, "status", resp.StatusCode,
		"scheme", scheme.String(), "duration", time.Since(start))
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// resolveScheme returns the remembered scheme with known set, or a probed
// candidate that still has to prove itself. Concurrent first callers share
// one probe.
func (g *Gateway) resolveScheme(ctx context.Context) (Scheme, bool, error) {
	if s := g.Scheme(); s != SchemeUnknown {
		return s, true, nil
	}
	if s := Scheme(g.pending.Load()); s != SchemeUnknown {
		return s, false, nil
	}
	v, err, _ := g.negotiate.Do("scheme", func() (interface{}, error) {
		if s := Scheme(g.pending.Load()); s != SchemeUnknown {
			return s, nil
		}
		s, err := g.probe(ctx)
		if err != nil {
			return SchemeUnknown, err
		}
		g.pending.Store(int32(s))
		return s, nil
	})
	if err != nil {
		return SchemeUnknown, false, err
	}
	return v.(Scheme), false, nil
}

// probe connects to the HTTPS port. A connect timeout selects plain HTTP;
// any other failure is returned and nothing is remembered.
func (g *Gateway) probe(ctx context.Context) (Scheme, error) {
	dialCtx, cancel := context.WithTimeout(ctx, g.opts.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(g.opts.Host, strconv.Itoa(g.opts.HTTPSPort))
	conn, err := g.dial(dialCtx, "tcp", addr)
	if err == nil {
		_ = conn.Close()
		return SchemeHTTPS, nil
	}
	if isTimeout(err) && ctx.Err() == nil {
		g.logger.Warn("https connect timed out, falling back to http",
			"addr", addr, "timeout", g.opts.ConnectTimeout)
		return SchemeHTTP, nil
	}
	return SchemeUnknown, fmt.Errorf("gateway: connect %s: %w", addr, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Escape percent-encodes a single path segment. Spaces become %20, never '+'.
func Escape(segment string) string {
	return strings.ReplaceAll(url.QueryEscape(segment), "+", "%20")
}
