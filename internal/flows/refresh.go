package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/courseauth/internal/rate"
	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/session"
)

// ErrClaimsRejected is reported when RefreshDeps.AcceptClaims refuses a
// verified token.
var ErrClaimsRejected = errors.New("refresh token claims rejected")

// RefreshFailureKind classifies why a refresh was rejected.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureMissing
	RefreshFailureInvalid
	RefreshFailureExpired
	RefreshFailureSessionNotFound
	RefreshFailureReuse
	RefreshFailureRateLimited
	RefreshFailureIssue
	RefreshFailureStore
)

// RefreshResult reports the outcome of RunRefresh. Failure is
// RefreshFailureNone on success.
type RefreshResult struct {
	Failure RefreshFailureKind
	Err     error
	Claims  *jwt.Claims
	// SessionID is set once the refresh token has been matched to a session.
	SessionID string
	Session   *session.Session
	Pair      jwt.Pair
}

// RefreshSessionStore is the slice of session.Store the refresh flow needs.
type RefreshSessionStore interface {
	FindByRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error)
	Rotate(ctx context.Context, r session.Rotation) (*session.Session, error)
	RevokeStaleRefresh(ctx context.Context, refreshToken string) (bool, error)
}

// RefreshRateLimiter caps refresh attempts per session.
type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, sessionID string) error
}

// RefreshDeps carries what RunRefresh needs.
type RefreshDeps struct {
	VerifyRefresh func(string) (*jwt.Claims, error)
	// AcceptClaims is optional. Claims it rejects fail as invalid before any
	// session lookup.
	AcceptClaims func(*jwt.Claims) bool
	Issue        func(jwt.Identity) (jwt.Pair, error)
	Sessions     RefreshSessionStore
	// RateLimiter is optional.
	RateLimiter RefreshRateLimiter
	// RevokeOnReuse invalidates a session whose rotated-out refresh token is
	// presented again after the rotation completed.
	RevokeOnReuse bool
	Warn          func(string, ...any)
}

// RunRefresh exchanges a refresh token for a new pair bound to the same session.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	warn := warnf(deps.Warn)
	if refreshToken == "" {
		return RefreshResult{Failure: RefreshFailureMissing}
	}

	claims, err := deps.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return RefreshResult{Failure: RefreshFailureExpired, Err: err}
		}
		return RefreshResult{Failure: RefreshFailureInvalid, Err: err}
	}
	if deps.AcceptClaims != nil && !deps.AcceptClaims(claims) {
		return RefreshResult{Failure: RefreshFailureInvalid, Err: ErrClaimsRejected, Claims: claims}
	}

	sess, err := deps.Sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return RefreshResult{Failure: RefreshFailureStore, Err: err, Claims: claims}
		}
		if !deps.RevokeOnReuse {
			return RefreshResult{Failure: RefreshFailureSessionNotFound, Err: err, Claims: claims}
		}
		revoked, rerr := deps.Sessions.RevokeStaleRefresh(ctx, refreshToken)
		switch {
		case rerr != nil:
			return RefreshResult{Failure: RefreshFailureStore, Err: rerr, Claims: claims}
		case revoked:
			return RefreshResult{Failure: RefreshFailureReuse, Err: err, Claims: claims}
		default:
			return RefreshResult{Failure: RefreshFailureSessionNotFound, Err: err, Claims: claims}
		}
	}

	if sess.UserID != claims.UserID {
		return RefreshResult{Failure: RefreshFailureSessionNotFound, Err: session.ErrNotFound, Claims: claims}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, sess.ID); err != nil {
			kind := RefreshFailureStore
			if errors.Is(err, rate.ErrLimited) {
				kind = RefreshFailureRateLimited
			}
			return RefreshResult{Failure: kind, Err: err, Claims: claims, SessionID: sess.ID}
		}
	}

	pair, err := deps.Issue(claims.Identity())
	if err != nil {
		return RefreshResult{Failure: RefreshFailureIssue, Err: err, Claims: claims, SessionID: sess.ID}
	}

	rotated, err := deps.Sessions.Rotate(ctx, session.Rotation{
		SessionID:            sess.ID,
		PreviousRefreshToken: refreshToken,
		Token:                pair.AccessToken,
		RefreshToken:         pair.RefreshToken,
		ExpiresAt:            pair.RefreshExpiresAt,
	})
	if err != nil {
		out := RefreshResult{Err: err, Claims: claims, SessionID: sess.ID}
		switch {
		case errors.Is(err, session.ErrRotateConflict):
			// A concurrent refresh rotated first. The session now belongs to
			// the winner's pair and stays live.
			warn("courseauth: refresh lost concurrent rotation", "session_id", sess.ID)
			out.Failure = RefreshFailureSessionNotFound
		case errors.Is(err, session.ErrNotFound):
			out.Failure = RefreshFailureSessionNotFound
		case errors.Is(err, session.ErrInvalidSession), errors.Is(err, session.ErrDuplicateToken):
			out.Failure = RefreshFailureIssue
		default:
			out.Failure = RefreshFailureStore
		}
		return out
	}

	return RefreshResult{Claims: claims, SessionID: rotated.ID, Session: rotated, Pair: pair}
}
