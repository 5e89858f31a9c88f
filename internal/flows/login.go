package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/courseauth/internal/rate"
	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/session"
)

// LoginFailureKind classifies why a login was rejected.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureInvalidCredentials
	LoginFailureRateLimited
	LoginFailureLimiter
	LoginFailureUserLookup
	LoginFailureIssue
	LoginFailureStore
)

// LoginUser is the flow-local view of a user record.
type LoginUser struct {
	ID           string
	Email        string
	Role         string
	PasswordHash string
}

// LoginRequest is one login attempt with its client details.
type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult reports the outcome of RunLogin.
type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	User    LoginUser
	Session *session.Session
	Pair    jwt.Pair
}

// LoginSessionStore opens sessions for RunLogin.
type LoginSessionStore interface {
	Create(ctx context.Context, in session.NewSession) (*session.Session, error)
}

// LoginRateLimiter is satisfied by *rate.Limiter.
type LoginRateLimiter interface {
	CheckLogin(ctx context.Context, email, ip string) error
	RecordLoginFailure(ctx context.Context, email, ip string) error
	ResetLogin(ctx context.Context, email string) error
}

// LoginDeps carries what RunLogin needs.
type LoginDeps struct {
	FindUser       func(ctx context.Context, email string) (LoginUser, error)
	VerifyPassword func(password, hash string) (bool, error)
	// NeedsRehash, HashPassword and UpdatePasswordHash are optional; when all
	// are set a successful login upgrades outdated hashes.
	NeedsRehash        func(hash string) bool
	HashPassword       func(password string) (string, error)
	UpdatePasswordHash func(ctx context.Context, userID, hash string) error
	// DummyHash is verified against when the user does not exist so unknown
	// emails cost the same as wrong passwords.
	DummyHash    string
	UserNotFound error
	Issue        func(jwt.Identity) (jwt.Pair, error)
	Sessions     LoginSessionStore
	RateLimiter  LoginRateLimiter
	Warn         func(string, ...any)
}

// RunLogin verifies credentials and opens a new session.
func RunLogin(ctx context.Context, req LoginRequest, deps LoginDeps) LoginResult {
	warn := warnf(deps.Warn)
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return LoginResult{Failure: LoginFailureInvalidCredentials}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckLogin(ctx, email, req.IP); err != nil {
			if errors.Is(err, rate.ErrLimited) {
				return LoginResult{Failure: LoginFailureRateLimited, Err: err}
			}
			return LoginResult{Failure: LoginFailureLimiter, Err: err}
		}
	}

	user, err := deps.FindUser(ctx, email)
	if err != nil {
		if deps.UserNotFound == nil || !errors.Is(err, deps.UserNotFound) {
			return LoginResult{Failure: LoginFailureUserLookup, Err: err}
		}
		if deps.DummyHash != "" {
			_, _ = deps.VerifyPassword(req.Password, deps.DummyHash)
		}
		recordFailure(ctx, deps, email, req.IP, warn)
		return LoginResult{Failure: LoginFailureInvalidCredentials, Err: err}
	}

	ok, err := deps.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		warn("courseauth: stored password hash unusable", "user_id", user.ID, "error", err)
	}
	if !ok {
		recordFailure(ctx, deps, email, req.IP, warn)
		return LoginResult{Failure: LoginFailureInvalidCredentials, Err: err, User: user}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.ResetLogin(ctx, email); err != nil {
			warn("courseauth: reset login counter failed", "user_id", user.ID, "error", err)
		}
	}

	if deps.NeedsRehash != nil && deps.HashPassword != nil && deps.UpdatePasswordHash != nil && deps.NeedsRehash(user.PasswordHash) {
		if upgraded, err := deps.HashPassword(req.Password); err == nil {
			if err := deps.UpdatePasswordHash(ctx, user.ID, upgraded); err != nil {
				warn("courseauth: password hash upgrade failed", "user_id", user.ID, "error", err)
			}
		}
	}

	pair, err := deps.Issue(jwt.Identity{UserID: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		return LoginResult{Failure: LoginFailureIssue, Err: err, User: user}
	}

	sess, err := deps.Sessions.Create(ctx, session.NewSession{
		UserID:       user.ID,
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.RefreshExpiresAt,
		IPAddress:    req.IP,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		kind := LoginFailureStore
		if errors.Is(err, session.ErrInvalidSession) || errors.Is(err, session.ErrDuplicateToken) {
			kind = LoginFailureIssue
		}
		return LoginResult{Failure: kind, Err: err, User: user}
	}

	return LoginResult{User: user, Session: sess, Pair: pair}
}

func recordFailure(ctx context.Context, deps LoginDeps, email, ip string, warn func(string, ...any)) {
	if deps.RateLimiter == nil {
		return
	}
	if err := deps.RateLimiter.RecordLoginFailure(ctx, email, ip); err != nil {
		warn("courseauth: record login failure failed", "error", err)
	}
}
