package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/courseauth/session"
)

// LogoutSessionStore is the slice of session.Store logout needs.
type LogoutSessionStore interface {
	FindByToken(ctx context.Context, token string) (*session.Session, error)
	Invalidate(ctx context.Context, token string) error
	InvalidateUser(ctx context.Context, userID string) (int, error)
}

// LogoutDeps carries what RunLogout and RunLogoutAll need.
type LogoutDeps struct {
	Sessions LogoutSessionStore
}

// LogoutResult reports the outcome of RunLogout.
type LogoutResult struct {
	// Session is the row that was removed, or nil when none was live.
	Session *session.Session
	Err     error
}

// RunLogout removes the session bound to token. Logging out twice is not an error.
func RunLogout(ctx context.Context, token string, deps LogoutDeps) LogoutResult {
	if token == "" {
		return LogoutResult{}
	}
	sess, err := deps.Sessions.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return LogoutResult{}
		}
		return LogoutResult{Err: err}
	}
	if err := deps.Sessions.Invalidate(ctx, token); err != nil {
		return LogoutResult{Err: err}
	}
	return LogoutResult{Session: sess}
}

// RunLogoutAll removes every session of userID and reports how many were live.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) (int, error) {
	return deps.Sessions.InvalidateUser(ctx, userID)
}
