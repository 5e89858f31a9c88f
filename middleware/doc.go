// Package middleware exposes the net/http gates of courseauth.
//
// # Gates
//
//   - [Authenticate] runs the dual gate (token verification, then session
//     lookup) and binds the principal to the request context.
//   - [RequireRole] admits principals whose role is in an allowed set.
//   - [RequireCourseAction] asks the course authorization engine whether the
//     principal may access, edit or delete the course named in the request.
//
// # Status mapping
//
// [StatusFor] is the only place engine errors become HTTP status codes.
// Credential and session failures are 401 with a body that does not say which
// check failed. Role and resource denials are 403. ErrStoreUnavailable is 500
// and is never reported as a denial.
//
// This package does not parse tokens or read stores itself. Every decision is
// delegated to the engine.
package middleware
