// Package permission decides whether a principal may view, edit or delete a course.
//
// Decisions dispatch on a closed [Role] through a fixed rule table. Each rule names
// the lookups it needs (course ownership, teacher grant, enrollment) and nothing
// else, so admins and student mutations never touch the store.
//
// # Absence
//
// A course that does not exist, or was soft-deleted, yields false for every
// non-admin role. "Not found" and "not yours" are deliberately the same answer so
// callers cannot probe for course ids. Do not turn this into a 404.
//
// # Failure model
//
// Store errors are returned wrapped with [ErrUnavailable] and are never folded into
// a false decision. Callers map them to a 500, not a 403.
//
// # What this package must NOT do
//
//   - Import courseauth, jwt, or session.
//   - Cache decisions or grants. Every call reads current state.
package permission
