package courseauth

import (
	"errors"
	"time"
)

// Request-facing outcomes. Middleware maps the credential and session errors to
// 401, the denial errors to 403 and ErrStoreUnavailable to 500.
var (
	ErrCredentialMissing    = errors.New("credential missing")
	ErrCredentialInvalid    = errors.New("credential invalid")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrRoleDenied           = errors.New("role not permitted")
	ErrResourceAccessDenied = errors.New("resource access denied")
	ErrStoreUnavailable     = errors.New("backing store unavailable")
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshReuse is returned when a rotated-out refresh token is presented again.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	ErrRateLimited  = errors.New("rate limited")
	// ErrUserNotFound is returned by UserProvider implementations for unknown users.
	ErrUserNotFound    = errors.New("user not found")
	ErrEngineNotReady  = errors.New("engine not ready")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPasswordPolicy  = errors.New("password policy violation")
	ErrPasswordReuse   = errors.New("new password must differ from the current one")
	ErrGrantsReadOnly  = errors.New("course store does not accept grant changes")
	ErrBuilderConsumed = errors.New("builder already used")
)

// RateLimitError is an ErrRateLimited that knows when the login window for
// the throttled email reopens.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsUnauthenticated reports whether err should be answered with 401.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrCredentialMissing) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrCredentialExpired) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrRefreshReuse) ||
		errors.Is(err, ErrInvalidCredentials)
}

// IsForbidden reports whether err should be answered with 403.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrRoleDenied) || errors.Is(err, ErrResourceAccessDenied)
}
