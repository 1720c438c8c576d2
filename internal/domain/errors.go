// Package domain defines the core types, catalog and errors of the SQL shim.
package domain

import "fmt"

// SyntaxError indicates SQL text that matches none of the supported shapes.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string { return e.Message }

// AuthError indicates rejected credentials, or credentials in their cooldown window.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// UpstreamError indicates a failed or non-200 call to the orchestration API.
type UpstreamError struct {
	Message string
	Status  int   // HTTP status, 0 when the call never completed
	Err     error // transport or decode failure, if any
}

func (e *UpstreamError) Error() string { return e.Message }

func (e *UpstreamError) Unwrap() error { return e.Err }

// NotSupportedError indicates an operation the read-only shim refuses.
type NotSupportedError struct {
	Message string
}

func (e *NotSupportedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ErrSyntax creates a SyntaxError with a formatted message.
func ErrSyntax(format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{Message: fmt.Sprintf(format, args...)}
}

// ErrAuth creates an AuthError with a formatted message.
func ErrAuth(format string, args ...interface{}) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// ErrUpstream creates an UpstreamError for a listing that failed with the
// given HTTP status and cause. Either may be zero.
func ErrUpstream(status int, cause error, format string, args ...interface{}) *UpstreamError {
	return &UpstreamError{Message: fmt.Sprintf(format, args...), Status: status, Err: cause}
}

// ErrNotSupported creates a NotSupportedError with a formatted message.
func ErrNotSupported(format string, args ...interface{}) *NotSupportedError {
	return &NotSupportedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}
