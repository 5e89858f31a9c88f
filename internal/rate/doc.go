// Package rate implements the fixed-window Redis counters behind login and
// refresh throttling.
//
// Keys:
//   - <prefix>login:<email>     failed logins per normalized email
//   - <prefix>login-ip:<ip>     failed logins per client IP (optional)
//   - <prefix>refresh:<session> refresh attempts per session
//
// A counter is incremented and given its window TTL in one script call.
package rate
