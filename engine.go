package courseauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	internalaudit "github.com/MrEthical07/courseauth/internal/audit"
	"github.com/MrEthical07/courseauth/internal/flows"
	"github.com/MrEthical07/courseauth/internal/rate"
	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/password"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/MrEthical07/courseauth/session"
)

// Engine is the authentication and course authorization core. It is safe for
// concurrent use once built.
type Engine struct {
	config       Config
	logger       *slog.Logger
	now          func() time.Time
	codec        *jwt.Codec
	sessions     session.Store
	courses      *permission.Engine
	grants       permission.GrantWriter
	userProvider UserProvider
	hasher       *password.Hasher
	dummyHash    string
	limiter      *rate.Limiter
	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	flows        flows.Deps
}

// Close flushes queued audit events and stops the dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped returns how many audit events were discarded.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return e.metrics.Snapshot()
}

func (e *Engine) observe(id MetricID, start time.Time) {
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(id, time.Since(start))
	}
}

// Login verifies email and password and opens a session on the caller's device.
// Client IP and user agent come from WithClientIP and WithUserAgent.
func (e *Engine) Login(ctx context.Context, email, pw string) (*LoginResult, error) {
	if e == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunLogin(ctx, flows.LoginRequest{
		Email:     email,
		Password:  pw,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}, e.flows.Login)

	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureInvalidCredentials:
		e.metrics.Inc(MetricLoginFailure)
		e.logger.Debug("courseauth: login rejected", "reason", "invalid_credentials")
		e.emitAudit(ctx, AuditEvent{Type: AuditLoginFailure, UserID: res.User.ID, Reason: "invalid_credentials"})
		return nil, ErrInvalidCredentials
	case flows.LoginFailureRateLimited:
		e.metrics.Inc(MetricLoginRateLimited)
		e.emitAudit(ctx, AuditEvent{Type: AuditLoginFailure, Reason: "rate_limited"})
		return nil, e.loginRateLimited(ctx, email)
	case flows.LoginFailureIssue:
		e.metrics.Inc(MetricLoginFailure)
		e.logger.Error("courseauth: login token issue failed", "user_id", res.User.ID, "error", res.Err)
		return nil, fmt.Errorf("courseauth: login: %w", res.Err)
	default:
		e.metrics.Inc(MetricLoginFailure)
		e.logger.Warn("courseauth: login backend failure", "error", res.Err)
		e.emitAudit(ctx, AuditEvent{Type: AuditLoginFailure, Reason: "store_unavailable"})
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	}

	principal := Principal{
		UserID:    res.User.ID,
		Email:     res.User.Email,
		Role:      permission.Role(res.User.Role),
		SessionID: res.Session.ID,
	}
	e.metrics.Inc(MetricLoginSuccess)
	e.metrics.Inc(MetricSessionCreated)
	e.emitAudit(ctx, AuditEvent{
		Type:      AuditLoginSuccess,
		UserID:    principal.UserID,
		Role:      principal.Role.String(),
		SessionID: principal.SessionID,
		Success:   true,
		Metadata:  map[string]string{"device_type": string(res.Session.DeviceType)},
	})
	return newLoginResult(res.Pair, principal), nil
}

// loginRateLimited attaches the remaining email window when the limiter can
// report it. An IP-only block or a lookup failure yields plain ErrRateLimited.
func (e *Engine) loginRateLimited(ctx context.Context, email string) error {
	if e.limiter == nil {
		return ErrRateLimited
	}
	wait, err := e.limiter.RetryAfter(ctx, email)
	if err != nil || wait <= 0 {
		return ErrRateLimited
	}
	return &RateLimitError{RetryAfter: wait}
}

func newLoginResult(pair jwt.Pair, p Principal) *LoginResult {
	return &LoginResult{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		SessionID:        p.SessionID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Principal:        p,
	}
}

// Authenticate runs both gates on an access token: signature and expiry, then
// session liveness. Revoked sessions fail with ErrSessionNotFound even while the
// token itself is still valid.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer e.observe(MetricAuthenticateLatency, start)

	res := flows.RunAuthenticate(ctx, accessToken, e.flows.Authenticate)

	var err error
	switch res.Failure {
	case flows.AuthFailureNone:
	case flows.AuthFailureMissing:
		e.metrics.Inc(MetricAuthCredentialRejected)
		return nil, ErrCredentialMissing
	case flows.AuthFailureInvalid:
		e.metrics.Inc(MetricAuthCredentialRejected)
		err = ErrCredentialInvalid
	case flows.AuthFailureExpired:
		e.metrics.Inc(MetricAuthCredentialRejected)
		err = ErrCredentialExpired
	case flows.AuthFailureSessionNotFound:
		e.metrics.Inc(MetricAuthSessionNotFound)
		err = ErrSessionNotFound
	default:
		e.metrics.Inc(MetricAuthStoreUnavailable)
		e.logger.Warn("courseauth: session lookup failed", "error", res.Err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	}
	if err != nil {
		var userID string
		if res.Claims != nil {
			userID = res.Claims.UserID
		}
		e.logger.Debug("courseauth: authentication rejected", "reason", err.Error(), "user_id", userID)
		e.emitAudit(ctx, AuditEvent{Type: AuditAuthRejected, UserID: userID, Reason: err.Error()})
		return nil, err
	}

	role, ok := permission.ParseRole(res.Claims.Role)
	if !ok {
		e.metrics.Inc(MetricAuthCredentialRejected)
		e.logger.Warn("courseauth: token carries unknown role", "user_id", res.Claims.UserID, "role", res.Claims.Role)
		return nil, ErrCredentialInvalid
	}

	e.metrics.Inc(MetricAuthSuccess)
	return &Principal{
		UserID:    res.Claims.UserID,
		Email:     res.Claims.Email,
		Role:      role,
		SessionID: res.Session.ID,
	}, nil
}

// Refresh exchanges a refresh token for a new pair on the same session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunRefresh(ctx, refreshToken, e.flows.Refresh)
	if res.Failure == flows.RefreshFailureNone {
		// The flow only accepts claims whose role parses.
		p := Principal{UserID: res.Claims.UserID, Email: res.Claims.Email, Role: permission.Role(res.Claims.Role), SessionID: res.Session.ID}
		e.metrics.Inc(MetricRefreshSuccess)
		e.emitAudit(ctx, AuditEvent{Type: AuditRefreshSuccess, UserID: p.UserID, SessionID: p.SessionID, Success: true})
		return newLoginResult(res.Pair, p), nil
	}

	var userID string
	if res.Claims != nil {
		userID = res.Claims.UserID
	}

	var err error
	switch res.Failure {
	case flows.RefreshFailureMissing:
		err = ErrCredentialMissing
	case flows.RefreshFailureInvalid:
		err = ErrCredentialInvalid
	case flows.RefreshFailureExpired:
		err = ErrCredentialExpired
	case flows.RefreshFailureSessionNotFound:
		err = ErrSessionNotFound
	case flows.RefreshFailureReuse:
		e.metrics.Inc(MetricRefreshReuseDetected)
		if e.config.Security.RevokeOnRefreshReuse {
			e.metrics.Inc(MetricSessionInvalidated)
		}
		e.logger.Warn("courseauth: refresh token reuse detected",
			"user_id", userID, "session_id", res.SessionID, "revoked", e.config.Security.RevokeOnRefreshReuse)
		e.emitAudit(ctx, AuditEvent{Type: AuditRefreshReuseDetected, UserID: userID, SessionID: res.SessionID, Reason: "refresh_reuse"})
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrRefreshReuse
	case flows.RefreshFailureRateLimited:
		e.metrics.Inc(MetricRefreshRateLimited)
		err = ErrRateLimited
	case flows.RefreshFailureIssue:
		e.metrics.Inc(MetricRefreshFailure)
		e.logger.Error("courseauth: refresh token issue failed", "user_id", userID, "error", res.Err)
		return nil, fmt.Errorf("courseauth: refresh: %w", res.Err)
	default:
		e.metrics.Inc(MetricRefreshFailure)
		e.logger.Warn("courseauth: refresh backend failure", "user_id", userID, "error", res.Err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	}

	e.metrics.Inc(MetricRefreshFailure)
	e.logger.Debug("courseauth: refresh rejected", "reason", err.Error(), "user_id", userID)
	e.emitAudit(ctx, AuditEvent{Type: AuditRefreshFailure, UserID: userID, SessionID: res.SessionID, Reason: err.Error()})
	return nil, err
}

// Logout revokes the session bound to accessToken. Unknown or already revoked
// tokens are not an error.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	res := flows.RunLogout(ctx, accessToken, e.flows.Logout)
	if res.Err != nil {
		e.logger.Warn("courseauth: logout failed", "error", res.Err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	}
	if res.Session == nil {
		return nil
	}
	e.metrics.Inc(MetricLogout)
	e.metrics.Inc(MetricSessionInvalidated)
	e.emitAudit(ctx, AuditEvent{Type: AuditLogout, UserID: res.Session.UserID, SessionID: res.Session.ID, Success: true})
	return nil
}

// LogoutAll revokes every session of userID and returns how many were live.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	if userID == "" {
		return 0, ErrInvalidRequest
	}
	n, err := flows.RunLogoutAll(ctx, userID, e.flows.Logout)
	if err != nil {
		e.logger.Warn("courseauth: logout all failed", "user_id", userID, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.metrics.Inc(MetricLogoutAll)
	for i := 0; i < n; i++ {
		e.metrics.Inc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, AuditEvent{
		Type:     AuditLogoutAll,
		UserID:   userID,
		Success:  true,
		Metadata: map[string]string{"sessions": strconv.Itoa(n)},
	})
	return n, nil
}

// ChangePassword replaces the user's password hash after checking the old one
// and revokes every session of the user, including the caller's.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrInvalidRequest
	}
	fail := func(reason string, err error) error {
		e.metrics.Inc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, AuditEvent{Type: AuditPasswordChange, UserID: userID, Reason: reason})
		return err
	}

	if len(newPassword) < password.MinLength {
		return fail("policy", fmt.Errorf("%w: %w", ErrPasswordPolicy, password.ErrTooShort))
	}
	if oldPassword == newPassword {
		return fail("reuse", ErrPasswordReuse)
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return fail("invalid_credentials", ErrInvalidCredentials)
		}
		e.logger.Warn("courseauth: user lookup failed", "user_id", userID, "error", err)
		return fail("store_unavailable", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	ok, err := e.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		e.logger.Warn("courseauth: stored password hash unusable", "user_id", userID, "error", err)
	}
	if !ok {
		return fail("invalid_credentials", ErrInvalidCredentials)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return fail("hash", fmt.Errorf("courseauth: hash password: %w", err))
	}
	if err := e.userProvider.UpdatePasswordHash(ctx, userID, hash); err != nil {
		e.logger.Warn("courseauth: password update failed", "user_id", userID, "error", err)
		return fail("store_unavailable", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	n, err := e.sessions.InvalidateUser(ctx, userID)
	if err != nil {
		e.logger.Warn("courseauth: session revocation after password change failed", "user_id", userID, "error", err)
		return fail("revoke_failed", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	for i := 0; i < n; i++ {
		e.metrics.Inc(MetricSessionInvalidated)
	}
	e.metrics.Inc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, AuditEvent{
		Type:     AuditPasswordChange,
		UserID:   userID,
		Success:  true,
		Metadata: map[string]string{"sessions_revoked": strconv.Itoa(n)},
	})
	return nil
}

// RequireRole returns nil when p holds one of allowed, ErrCredentialMissing
// when p is nil and ErrRoleDenied otherwise.
func (e *Engine) RequireRole(p *Principal, allowed ...permission.Role) error {
	if p == nil {
		return ErrCredentialMissing
	}
	if slices.Contains(allowed, p.Role) {
		return nil
	}
	if e != nil {
		e.metrics.Inc(MetricRoleDenied)
		e.logger.Debug("courseauth: role denied", "user_id", p.UserID, "role", p.Role.String())
	}
	return ErrRoleDenied
}

// CanAccess reports whether p may view courseID.
func (e *Engine) CanAccess(ctx context.Context, p Principal, courseID string) (bool, error) {
	return e.decide(ctx, p, permission.ActionAccess, courseID)
}

// CanEdit reports whether p may modify courseID.
func (e *Engine) CanEdit(ctx context.Context, p Principal, courseID string) (bool, error) {
	return e.decide(ctx, p, permission.ActionEdit, courseID)
}

// CanDelete reports whether p may delete courseID.
func (e *Engine) CanDelete(ctx context.Context, p Principal, courseID string) (bool, error) {
	return e.decide(ctx, p, permission.ActionDelete, courseID)
}

// Authorize returns nil when p may perform action on the course,
// ErrResourceAccessDenied when it may not and ErrStoreUnavailable when the
// decision could not be made.
func (e *Engine) Authorize(ctx context.Context, p Principal, action permission.Action, courseID string) error {
	ok, err := e.decide(ctx, p, action, courseID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrResourceAccessDenied
	}
	return nil
}

// Permissions returns p's permission set on the course. Admins get every flag
// and students none.
func (e *Engine) Permissions(ctx context.Context, p Principal, courseID string) (permission.Set, error) {
	if e == nil {
		return permission.Set{}, ErrEngineNotReady
	}
	start := time.Now()
	defer e.observe(MetricAuthorizeLatency, start)

	set, err := e.courses.PermissionsFor(ctx, p.UserID, courseID, p.Role)
	if err != nil {
		e.metrics.Inc(MetricCourseStoreUnavailable)
		e.logger.Warn("courseauth: permission lookup failed", "course_id", courseID, "error", err)
		return permission.Set{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return set, nil
}

func (e *Engine) decide(ctx context.Context, p Principal, action permission.Action, courseID string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	start := time.Now()
	defer e.observe(MetricAuthorizeLatency, start)

	ok, err := e.courses.Allowed(ctx, action, p.UserID, courseID, p.Role)
	if err != nil {
		e.metrics.Inc(MetricCourseStoreUnavailable)
		e.logger.Warn("courseauth: course decision failed",
			"course_id", courseID, "action", action.String(), "user_id", p.UserID, "error", err)
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok {
		e.metrics.Inc(MetricCourseAllowed)
		return true, nil
	}

	e.metrics.Inc(MetricCourseDenied)
	e.logger.Debug("courseauth: course action denied",
		"course_id", courseID, "action", action.String(), "user_id", p.UserID, "role", p.Role.String())
	e.emitAudit(ctx, AuditEvent{
		Type:     AuditCourseDenied,
		UserID:   p.UserID,
		Role:     p.Role.String(),
		CourseID: courseID,
		Action:   action.String(),
	})
	return false, nil
}

// GrantTeacher creates or replaces a teacher's grant on a course. Only admins
// and the course owner may change grants.
func (e *Engine) GrantTeacher(ctx context.Context, actor Principal, g permission.Grant) error {
	if err := e.checkGrantManager(ctx, actor, g.CourseID, g.TeacherID); err != nil {
		return err
	}
	if err := e.grants.PutGrant(ctx, g); err != nil {
		return e.grantStoreError(err, g.CourseID)
	}
	e.metrics.Inc(MetricGrantChanged)
	e.emitAudit(ctx, AuditEvent{
		Type:     AuditGrantChanged,
		UserID:   actor.UserID,
		Role:     actor.Role.String(),
		CourseID: g.CourseID,
		Action:   "grant",
		Success:  true,
		Metadata: map[string]string{
			"teacher_id": g.TeacherID,
			"can_edit":   strconv.FormatBool(g.CanEdit),
			"can_delete": strconv.FormatBool(g.CanDelete),
		},
	})
	return nil
}

// RevokeTeacher deletes a teacher's grant. It reports whether a grant existed.
func (e *Engine) RevokeTeacher(ctx context.Context, actor Principal, courseID, teacherID string) (bool, error) {
	if err := e.checkGrantManager(ctx, actor, courseID, teacherID); err != nil {
		return false, err
	}
	existed, err := e.grants.DeleteGrant(ctx, courseID, teacherID)
	if err != nil {
		return false, e.grantStoreError(err, courseID)
	}
	if existed {
		e.metrics.Inc(MetricGrantChanged)
		e.emitAudit(ctx, AuditEvent{
			Type:     AuditGrantChanged,
			UserID:   actor.UserID,
			Role:     actor.Role.String(),
			CourseID: courseID,
			Action:   "revoke",
			Success:  true,
			Metadata: map[string]string{"teacher_id": teacherID},
		})
	}
	return existed, nil
}

func (e *Engine) checkGrantManager(ctx context.Context, actor Principal, courseID, teacherID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.grants == nil {
		return ErrGrantsReadOnly
	}
	if strings.TrimSpace(courseID) == "" || strings.TrimSpace(teacherID) == "" {
		return ErrInvalidRequest
	}
	if actor.Role == permission.RoleAdmin {
		return nil
	}
	if actor.Role != permission.RoleTeacher {
		e.metrics.Inc(MetricRoleDenied)
		return ErrRoleDenied
	}
	set, err := e.Permissions(ctx, actor, courseID)
	if err != nil {
		return err
	}
	if !set.IsOwner {
		e.metrics.Inc(MetricCourseDenied)
		e.emitAudit(ctx, AuditEvent{Type: AuditCourseDenied, UserID: actor.UserID, Role: actor.Role.String(), CourseID: courseID, Action: "manage_grants"})
		return ErrResourceAccessDenied
	}
	return nil
}

func (e *Engine) grantStoreError(err error, courseID string) error {
	if errors.Is(err, permission.ErrNotFound) {
		return ErrResourceAccessDenied
	}
	e.logger.Warn("courseauth: grant update failed", "course_id", courseID, "error", err)
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
