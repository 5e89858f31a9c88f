package session

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no live session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrRotateConflict is returned by Rotate when the presented refresh token is
	// no longer the session's current one.
	ErrRotateConflict = errors.New("session refresh token already rotated")
	// ErrDuplicateToken is returned by Create when the access token is already bound.
	ErrDuplicateToken = errors.New("session token already exists")
	// ErrInvalidSession is returned for incomplete Create or Rotate input.
	ErrInvalidSession = errors.New("invalid session data")
)

// Store is the session persistence contract.
//
// Find methods return ErrNotFound for rows that are missing, inactive or
// expired. All methods honor ctx cancellation and report it as ErrUnavailable.
type Store interface {
	Create(ctx context.Context, in NewSession) (*Session, error)
	FindByToken(ctx context.Context, token string) (*Session, error)
	FindByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)
	// Rotate atomically swaps the token pair and extends expiry without changing
	// the session id. Concurrent rotations of one session have exactly one winner.
	Rotate(ctx context.Context, r Rotation) (*Session, error)
	// Invalidate removes the session bound to token. Unknown tokens are a no-op.
	Invalidate(ctx context.Context, token string) error
	InvalidateByID(ctx context.Context, sessionID string) error
	// InvalidateUser removes every session of userID and returns how many were live.
	InvalidateUser(ctx context.Context, userID string) (int, error)
	// RevokeStaleRefresh removes the session whose previous refresh token is
	// refreshToken. It reports whether such a session existed.
	RevokeStaleRefresh(ctx context.Context, refreshToken string) (bool, error)
}

// HashToken returns the storage digest of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func validateNew(in NewSession, now time.Time) error {
	switch {
	case in.UserID == "":
		return fmt.Errorf("%w: empty user id", ErrInvalidSession)
	case in.Token == "":
		return fmt.Errorf("%w: empty session token", ErrInvalidSession)
	case !in.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiry not in the future", ErrInvalidSession)
	}
	return nil
}

func validateRotation(r Rotation, now time.Time) error {
	switch {
	case r.SessionID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidSession)
	case r.PreviousRefreshToken == "" || r.RefreshToken == "" || r.Token == "":
		return fmt.Errorf("%w: incomplete token pair", ErrInvalidSession)
	case !r.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiry not in the future", ErrInvalidSession)
	}
	return nil
}

// ctxErr reports a canceled or expired context before any backend call.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
