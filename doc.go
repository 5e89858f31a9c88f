// Package courseauth is the authentication and course authorization core of a
// multi-tenant learning platform.
//
// Requests pass two gates. The token gate verifies an HS256 access token with no
// I/O. The session gate looks the token up in a session.Store, so logging out or
// revoking a session takes effect on the very next request even while the token
// is still cryptographically valid. Once both pass, course decisions go through
// the permission package's role dispatch table.
//
// Build an Engine with New().With...().Build(). Engine methods are safe for
// concurrent use. Errors follow one taxonomy: credential and session problems
// (ErrCredentialMissing, ErrCredentialInvalid, ErrCredentialExpired,
// ErrSessionNotFound), denials (ErrRoleDenied, ErrResourceAccessDenied) and
// infrastructure failures (ErrStoreUnavailable), which are never reported as a
// denial.
package courseauth
