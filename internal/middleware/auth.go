package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"metl-sql/internal/domain"
)

// Gate verifies credentials against the orchestration API.
type Gate interface {
	Check(ctx context.Context, creds domain.Credentials) error
}

// BasicAuth admits requests whose HTTP Basic credentials pass the gate and
// stores them in the request context for the handlers to pass on.
func BasicAuth(gate Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="metl-sql"`)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized: provide HTTP Basic credentials")
				return
			}

			creds := domain.Credentials{Username: user, Password: pass}
			if err := gate.Check(r.Context(), creds); err != nil {
				var authErr *domain.AuthError
				var upstreamErr *domain.UpstreamError
				switch {
				case errors.As(err, &authErr):
					w.Header().Set("WWW-Authenticate", `Basic realm="metl-sql"`)
					writeJSONError(w, http.StatusUnauthorized, err.Error())
				case errors.As(err, &upstreamErr):
					writeJSONError(w, http.StatusBadGateway, err.Error())
				default:
					logger.Warn("credential check failed", "user", user, "error", err)
					writeJSONError(w, http.StatusInternalServerError, "credential check failed")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(domain.WithCredentials(r.Context(), creds)))
		})
	}
}
