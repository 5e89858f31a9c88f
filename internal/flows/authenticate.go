package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/session"
)

// AuthFailureKind classifies why an access token was rejected.
type AuthFailureKind int

const (
	AuthFailureNone AuthFailureKind = iota
	AuthFailureMissing
	AuthFailureInvalid
	AuthFailureExpired
	AuthFailureSessionNotFound
	AuthFailureStore
)

// AuthenticateResult reports the outcome of RunAuthenticate.
type AuthenticateResult struct {
	Failure AuthFailureKind
	Err     error
	Claims  *jwt.Claims
	Session *session.Session
}

// AuthenticateSessionStore is the session lookup the access gate needs.
type AuthenticateSessionStore interface {
	FindByToken(ctx context.Context, token string) (*session.Session, error)
}

// AuthenticateDeps carries what RunAuthenticate needs.
type AuthenticateDeps struct {
	VerifyAccess func(string) (*jwt.Claims, error)
	Sessions     AuthenticateSessionStore
}

// RunAuthenticate checks the token signature and expiry first, then confirms
// the session row is still live. Both gates must pass.
func RunAuthenticate(ctx context.Context, token string, deps AuthenticateDeps) AuthenticateResult {
	if token == "" {
		return AuthenticateResult{Failure: AuthFailureMissing}
	}

	claims, err := deps.VerifyAccess(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return AuthenticateResult{Failure: AuthFailureExpired, Err: err}
		}
		return AuthenticateResult{Failure: AuthFailureInvalid, Err: err}
	}

	sess, err := deps.Sessions.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return AuthenticateResult{Failure: AuthFailureSessionNotFound, Err: err, Claims: claims}
		}
		return AuthenticateResult{Failure: AuthFailureStore, Err: err, Claims: claims}
	}

	// A session row bound to another user means the token and row disagree;
	// neither can be trusted.
	if sess.UserID != claims.UserID {
		return AuthenticateResult{Failure: AuthFailureSessionNotFound, Err: session.ErrNotFound, Claims: claims}
	}

	return AuthenticateResult{Claims: claims, Session: sess}
}
