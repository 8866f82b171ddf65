package secplane

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/perimeterlabs/secplane/ratelimit"
	"github.com/perimeterlabs/secplane/token"
)

// Machine-readable rejection codes surfaced to clients.
const (
	CodeTokenExpired          = "token_expired"
	CodeTokenInvalidSignature = "token_invalid_signature"
	CodeTokenTypeMismatch     = "token_type_mismatch"
	CodeTokenRevoked          = "token_revoked"
	CodeSubjectNotFound       = "subject_not_found"
	CodeRateLimited           = "rate_limited"
	CodeCsrfRejected          = "csrf_rejected"
	CodeServerError           = "server_error"
)

// SecurityError is a classified, client-safe rejection. Description is
// always generic; internal failure detail stays in logs.
type SecurityError struct {
	Code        string // machine-readable code (e.g. "token_expired")
	Description string // generic human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewSecurityError creates a new classified rejection.
func NewSecurityError(code, description string, status int) *SecurityError {
	return &SecurityError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common rejections as reusable instances.
var (
	ErrTokenExpired = NewSecurityError(CodeTokenExpired,
		"token has expired", http.StatusUnauthorized)

	ErrTokenInvalidSignature = NewSecurityError(CodeTokenInvalidSignature,
		"token is invalid", http.StatusUnauthorized)

	ErrTokenTypeMismatch = NewSecurityError(CodeTokenTypeMismatch,
		"token is not valid for this operation", http.StatusUnauthorized)

	ErrTokenRevoked = NewSecurityError(CodeTokenRevoked,
		"token has been revoked", http.StatusUnauthorized)

	ErrSubjectNotFound = NewSecurityError(CodeSubjectNotFound,
		"subject no longer exists", http.StatusUnauthorized)

	ErrRateLimited = NewSecurityError(CodeRateLimited,
		"too many requests", http.StatusTooManyRequests)

	// ErrCsrfRejected is deliberately one opaque rejection for every CSRF
	// failure mode, so the response never becomes an oracle for which
	// check failed.
	ErrCsrfRejected = NewSecurityError(CodeCsrfRejected,
		"request rejected", http.StatusForbidden)

	ErrServer = NewSecurityError(CodeServerError,
		"internal error", http.StatusInternalServerError)
)

// Classify maps an internal error to its client-facing rejection. Unknown
// errors map to a generic server error so that internal detail never leaks.
func Classify(err error) *SecurityError {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrBadSignature):
		return ErrTokenInvalidSignature
	case errors.Is(err, token.ErrTypeMismatch):
		return ErrTokenTypeMismatch
	case errors.Is(err, token.ErrRevoked):
		return ErrTokenRevoked
	case errors.Is(err, token.ErrSubjectNotFound):
		return ErrSubjectNotFound
	case errors.Is(err, ratelimit.ErrUnknownPolicy):
		return ErrServer
	default:
		return ErrServer
	}
}
