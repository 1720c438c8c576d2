package flightsql

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"metl-sql/internal/domain"
)

const (
	userHeader     = "x-metl-user"
	passwordHeader = "x-metl-password"
)

// credentialsFromContext reads the caller's credentials from an
// "authorization: Basic ..." header or the x-metl-user/x-metl-password
// pair.
func credentialsFromContext(ctx context.Context) (domain.Credentials, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Credentials{}, status.Error(codes.Unauthenticated, "missing credentials")
	}
	for _, v := range md.Get("authorization") {
		scheme, encoded, found := strings.Cut(v, " ")
		if !found || !strings.EqualFold(scheme, "basic") {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return domain.Credentials{}, status.Error(codes.Unauthenticated, "malformed basic credentials")
		}
		user, pass, _ := strings.Cut(string(raw), ":")
		if user == "" {
			break
		}
		return domain.Credentials{Username: user, Password: pass}, nil
	}
	if users := md.Get(userHeader); len(users) > 0 && users[0] != "" {
		var pass string
		if p := md.Get(passwordHeader); len(p) > 0 {
			pass = p[0]
		}
		return domain.Credentials{Username: users[0], Password: pass}, nil
	}
	return domain.Credentials{}, status.Error(codes.Unauthenticated, "missing credentials")
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		syntaxErr     *domain.SyntaxError
		authErr       *domain.AuthError
		upstreamErr   *domain.UpstreamError
		notSupported  *domain.NotSupportedError
		validationErr *domain.ValidationError
		notFoundErr   *domain.NotFoundError
	)
	code := codes.Internal
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &validationErr):
		code = codes.InvalidArgument
	case errors.As(err, &authErr):
		code = codes.Unauthenticated
	case errors.As(err, &upstreamErr):
		code = codes.Unavailable
	case errors.As(err, &notSupported):
		code = codes.Unimplemented
	case errors.As(err, &notFoundErr):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
