package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/domain"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// routeDial sends the HTTPS port to httpsAddr (or fails with httpsErr) and
// the HTTP port to httpAddr, counting HTTPS dials.
func routeDial(httpsAddr, httpAddr string, httpsErr error, httpsDials *atomic.Int32) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		switch port {
		case "8443":
			httpsDials.Add(1)
			if httpsErr != nil {
				return nil, &net.OpError{Op: "dial", Net: network, Err: httpsErr}
			}
			return d.DialContext(ctx, network, httpsAddr)
		case "8080":
			if httpAddr == "" {
				return nil, fmt.Errorf("no http server")
			}
			return d.DialContext(ctx, network, httpAddr)
		}
		return nil, fmt.Errorf("unexpected address %s", addr)
	}
}

type recorded struct {
	mu       sync.Mutex
	uris     []string
	authUser []string
	hasAuth  []bool
}

func (r *recorded) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, _, ok := req.BasicAuth()
		r.mu.Lock()
		r.uris = append(r.uris, req.RequestURI)
		r.authUser = append(r.authUser, user)
		r.hasAuth = append(r.hasAuth, ok)
		r.mu.Unlock()
		if req.URL.Path == "/rest/v1/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`["a","b"]`))
	}
}

func TestGet_UsesHTTPSWhenReachable(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewTLSServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial(srv.Listener.Addr().String(), "", nil, &dials)})

	resp, err := g.Get(context.Background(), domain.Credentials{Username: "u", Password: "p"}, "group")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.JSONEq(t, `["a","b"]`, string(resp.Body))
	assert.Equal(t, SchemeHTTPS, g.Scheme())
	assert.Equal(t, []string{"/rest/v1/group"}, rec.uris)
	assert.Equal(t, []string{"u"}, rec.authUser)
}

func TestGet_FallsBackToHTTPOnConnectTimeout(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), timeoutError{}, &dials)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := g.Get(ctx, domain.Credentials{Username: "u", Password: "p"}, "group")
		require.NoError(t, err)
		assert.True(t, resp.OK())
	}
	assert.Equal(t, SchemeHTTP, g.Scheme())
	assert.Equal(t, int32(1), dials.Load(), "https must be probed exactly once")
	assert.Len(t, rec.uris, 3)
}

func TestGet_OtherConnectErrorsDoNotFallBack(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), syscall.ECONNREFUSED, &dials)})

	_, err := g.Get(context.Background(), domain.Credentials{}, "group")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED))
	assert.Equal(t, SchemeUnknown, g.Scheme())
	assert.Empty(t, rec.uris)

	// Nothing was remembered, so the next call probes again.
	_, err = g.Get(context.Background(), domain.Credentials{}, "group")
	require.Error(t, err)
	assert.Equal(t, int32(2), dials.Load())
}

func TestGet_FailedFallbackIsNotRemembered(t *testing.T) {
	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", "", timeoutError{}, &dials)})

	_, err := g.Get(context.Background(), domain.Credentials{}, "group")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no http server")
	assert.Equal(t, SchemeUnknown, g.Scheme())

	_, err = g.Get(context.Background(), domain.Credentials{}, "group")
	require.Error(t, err)
	assert.Equal(t, int32(2), dials.Load(), "https is probed again after a failed fallback")
	assert.Equal(t, SchemeUnknown, g.Scheme())
}

func TestGet_FailedHandshakeIsNotRemembered(t *testing.T) {
	rec := &recorded{}
	plain := httptest.NewServer(rec.handler())
	defer plain.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial(plain.Listener.Addr().String(), "", nil, &dials)})

	_, err := g.Get(context.Background(), domain.Credentials{}, "group")
	require.Error(t, err)
	assert.Equal(t, SchemeUnknown, g.Scheme())
	assert.Empty(t, rec.uris)
}

func TestGet_RemembersFirstAnsweredScheme(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var up atomic.Bool
	var httpsDials atomic.Int32
	inner := routeDial("", srv.Listener.Addr().String(), timeoutError{}, &httpsDials)
	g := New(Options{Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		if _, port, _ := net.SplitHostPort(addr); port == "8080" && !up.Load() {
			return nil, syscall.ECONNREFUSED
		}
		return inner(ctx, network, addr)
	}})
	ctx := context.Background()

	_, err := g.Get(ctx, domain.Credentials{}, "group")
	require.Error(t, err)
	assert.Equal(t, SchemeUnknown, g.Scheme())

	up.Store(true)
	resp, err := g.Get(ctx, domain.Credentials{}, "group")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, SchemeHTTP, g.Scheme())

	_, err = g.Get(ctx, domain.Credentials{}, "group")
	require.NoError(t, err)
	assert.Equal(t, int32(2), httpsDials.Load())
}

func TestNew_TLSServerNameIsConfiguredHost(t *testing.T) {
	g := New(Options{Host: "etl.internal"})
	tr, ok := g.tlsClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, "etl.internal", tr.TLSClientConfig.ServerName)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestGet_ConcurrentFirstCallsNegotiateOnce(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), timeoutError{}, &dials)})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Get(context.Background(), domain.Credentials{Username: "u", Password: "p"}, "group")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, SchemeHTTP, g.Scheme())
}

func TestGet_BasicAuthOnlyWithBothParts(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), timeoutError{}, &dials)})
	ctx := context.Background()

	_, err := g.Get(ctx, domain.Credentials{Username: "u"}, "")
	require.NoError(t, err)
	_, err = g.Get(ctx, domain.Credentials{Password: "p"}, "")
	require.NoError(t, err)
	_, err = g.Get(ctx, domain.Credentials{Username: "u", Password: "p"}, "")
	require.NoError(t, err)

	assert.Equal(t, []bool{false, false, true}, rec.hasAuth)
	assert.Equal(t, "/rest/v1/", rec.uris[0])
}

func TestGet_NonOKStatusIsNotAnError(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), timeoutError{}, &dials)})

	resp, err := g.Get(context.Background(), domain.Credentials{}, "missing")
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestGet_EscapedSegmentsReachServerVerbatim(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var dials atomic.Int32
	g := New(Options{Dial: routeDial("", srv.Listener.Addr().String(), timeoutError{}, &dials)})

	path := "group/name/" + Escape("Sales Ops") + "/project"
	_, err := g.Get(context.Background(), domain.Credentials{}, path)
	require.NoError(t, err)
	assert.Equal(t, "/rest/v1/group/name/Sales%20Ops/project", rec.uris[0])
}

func TestEscape(t *testing.T) {
	tests := map[string]string{
		"plain":     "plain",
		"two words": "two%20words",
		"a+b":       "a%2Bb",
		"x/y":       "x%2Fy",
		"50% off":   "50%25%20off",
	}
	for in, want := range tests {
		assert.Equal(t, want, Escape(in), in)
	}
}

func TestScheme_String(t *testing.T) {
	assert.Equal(t, "https", SchemeHTTPS.String())
	assert.Equal(t, "http", SchemeHTTP.String())
	assert.Equal(t, "unknown", SchemeUnknown.String())
}
