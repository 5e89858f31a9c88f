// Package session persists the server-side half of authentication: one revocable
// record per login, bound to the current access and refresh token.
//
// Three [Store] implementations share one contract: [RedisStore], [PostgresStore]
// and [MemoryStore]. Every lookup applies the same liveness filter (active and not
// yet expired) so an expired or revoked row is indistinguishable from a missing one.
//
// # Token handling
//
// Raw tokens never reach storage. Every token is reduced with [HashToken] before it
// is written or queried.
//
// # Failure model
//
// Absence is reported as [ErrNotFound]. Any infrastructure failure, including a
// context deadline, is wrapped with [ErrUnavailable]. Callers must treat the latter
// as fatal for the request and never as "not found".
//
// # What this package must NOT do
//
//   - Import courseauth, jwt, or permission (no upward imports).
//   - Verify token signatures or evaluate roles.
//   - Store plaintext tokens in [Session] fields.
package session
