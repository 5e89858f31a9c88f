package courseauth

import (
	"context"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/courseauth/internal/audit"
	"github.com/MrEthical07/courseauth/permission"
)

// Principal is the authenticated caller. It is built from verified token claims
// after the session check passes and is never trusted before that.
type Principal struct {
	UserID    string          `json:"userId"`
	Email     string          `json:"email"`
	Role      permission.Role `json:"role"`
	SessionID string          `json:"-"`
}

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	SessionID        string    `json:"-"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	Principal        Principal `json:"principal"`
}

// UserRecord is what a UserProvider knows about a user.
type UserRecord struct {
	ID           string
	Email        string
	Role         permission.Role
	PasswordHash string
}

// UserProvider is the account backend. Lookups of unknown users must return an
// error wrapping ErrUserNotFound.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// AuditEvent is one structured audit record.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the engine's dispatcher goroutine.
type AuditSink = internalaudit.Sink

type (
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	SlogSink       = internalaudit.SlogSink
)

func NewChannelSink(buffer int) *ChannelSink      { return internalaudit.NewChannelSink(buffer) }
func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return internalaudit.NewJSONWriterSink(w) }
func NewSlogSink(logger *slog.Logger) *SlogSink     { return internalaudit.NewSlogSink(logger) }

// Audit event types.
const (
	AuditLoginSuccess         = "login_success"
	AuditLoginFailure         = "login_failure"
	AuditRefreshSuccess       = "refresh_success"
	AuditRefreshReuseDetected = "refresh_reuse_detected"
	AuditRefreshFailure       = "refresh_failure"
	AuditAuthRejected         = "auth_rejected"
	AuditLogout               = "logout"
	AuditLogoutAll            = "logout_all"
	AuditPasswordChange       = "password_change"
	AuditCourseDenied         = "course_denied"
	AuditGrantChanged         = "grant_changed"
)
