package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveWithID runs RequestID over a handler that reports the context ID,
// returning that ID and the response header.
func serveWithID(t *testing.T, header string) (seen, echoed string) {
	t.Helper()
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	if header != "" {
		req.Header.Set("X-Request-ID", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	return seen, rec.Header().Get("X-Request-ID")
}

func TestRequestID_Generated(t *testing.T) {
	seen, echoed := serveWithID(t, "")

	_, err := uuid.Parse(seen)
	require.NoError(t, err, "generated id should be a UUID")
	assert.Equal(t, seen, echoed)

	other, _ := serveWithID(t, "")
	assert.NotEqual(t, seen, other)
}

func TestRequestID_HeaderReuse(t *testing.T) {
	cases := map[string]bool{
		"dbeaver.1700000000":        true,
		"job_launch-42":             true,
		strings.Repeat("x", 128):    true,
		strings.Repeat("x", 129):    false,
		"two words":                 false,
		"line\nforged: entry":       false,
		`"group"; DROP TABLE "job"`: false,
		"ümlaut":                    false,
	}
	for header, reused := range cases {
		seen, echoed := serveWithID(t, header)
		assert.Equal(t, seen, echoed)
		if reused {
			assert.Equal(t, header, seen)
		} else {
			assert.NotEqual(t, header, seen)
			_, err := uuid.Parse(seen)
			assert.NoError(t, err, "replacement for %q", header)
		}
	}
}

func TestRequestIDFromContext_Outside(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(t.Context()))
}
