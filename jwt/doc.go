// Package jwt mints and verifies the HS256 access and refresh tokens that carry a
// principal's identity.
//
// The codec is pure: it performs no I/O and never consults session state. A token
// that verifies here is only proof that it was signed by this deployment and has
// not yet expired. Callers must still confirm that the backing session is live.
//
// # Secrets
//
// Access and refresh tokens are signed with distinct secrets so a leaked access
// secret cannot be used to forge refresh tokens, and vice versa.
package jwt
