// Package password hashes new passwords with argon2id and verifies both argon2id
// and legacy bcrypt hashes.
//
// New hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory KiB>,t=<passes>,p=<threads>$<salt>$<key>
//
// Accounts seeded with bcrypt ($2a$, $2b$, $2y$) keep working. [Hasher.NeedsRehash]
// reports true for them, and for argon2id hashes made with weaker parameters, so
// the caller can upgrade on the next successful login.
//
// This package never stores or logs passwords.
package password
