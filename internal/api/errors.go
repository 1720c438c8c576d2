package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"metl-sql/internal/domain"
)

// httpStatusFromError maps domain errors to HTTP status codes.
func httpStatusFromError(err error) int {
	var (
		syntaxErr     *domain.SyntaxError
		validationErr *domain.ValidationError
		authErr       *domain.AuthError
		upstreamErr   *domain.UpstreamError
		notSupported  *domain.NotSupportedError
		notFound      *domain.NotFoundError
	)
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	case errors.As(err, &notSupported):
		return http.StatusNotImplemented
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Code: code, Message: message})
}
