package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/password"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/MrEthical07/courseauth/session"
)

type stubAuth struct {
	principal *courseauth.Principal
	err       error
	calls     int
}

func (s *stubAuth) Authenticate(_ context.Context, token string) (*courseauth.Principal, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.principal, nil
}

type stubAuthz struct {
	err     error
	gotID   string
	gotRole permission.Role
}

func (s *stubAuthz) Authorize(_ context.Context, p courseauth.Principal, _ permission.Action, courseID string) error {
	s.gotID = courseID
	s.gotRole = p.Role
	return s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := courseauth.PrincipalFromContext(r.Context())
		WriteJSON(w, http.StatusOK, map[string]string{"user_id": p.UserID})
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body.Error
}

func TestAuthenticateRejections(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"no header", "", nil, http.StatusUnauthorized, MsgCredentialRequired},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized, MsgCredentialRequired},
		{"empty bearer", "Bearer ", nil, http.StatusUnauthorized, MsgCredentialRequired},
		{"bad signature", "Bearer t", courseauth.ErrCredentialInvalid, http.StatusUnauthorized, MsgInvalidCredential},
		{"expired", "Bearer t", courseauth.ErrCredentialExpired, http.StatusUnauthorized, MsgInvalidCredential},
		{"revoked", "Bearer t", courseauth.ErrSessionNotFound, http.StatusUnauthorized, MsgInvalidCredential},
		{"store down", "Bearer t", fmt.Errorf("%w: dial tcp", courseauth.ErrStoreUnavailable), http.StatusInternalServerError, MsgInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &stubAuth{err: tc.err, principal: &courseauth.Principal{UserID: "u1"}}
			h := Authenticate(auth)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if msg := decodeError(t, rec); msg != tc.wantMsg {
				t.Fatalf("expected %q, got %q", tc.wantMsg, msg)
			}
		})
	}
}

func TestAuthenticateBindsPrincipal(t *testing.T) {
	auth := &stubAuth{principal: &courseauth.Principal{UserID: "u1", Role: permission.RoleTeacher}}
	h := Authenticate(auth)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || auth.calls != 1 {
		t.Fatalf("expected 200 after one engine call, got %d (%d calls)", rec.Code, auth.calls)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["user_id"] != "u1" {
		t.Fatalf("principal not bound, body %v", body)
	}
}

func TestRequireRole(t *testing.T) {
	gate := RequireRole(permission.RoleTeacher, permission.RoleAdmin)(okHandler())

	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rec.Code)
	}

	for role, want := range map[permission.Role]int{
		permission.RoleStudent: http.StatusForbidden,
		permission.RoleTeacher: http.StatusOK,
		permission.RoleAdmin:   http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(courseauth.WithPrincipal(req.Context(), &courseauth.Principal{UserID: "u", Role: role}))
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("role %s: expected %d, got %d", role, want, rec.Code)
		}
		if want == http.StatusForbidden && decodeError(t, rec) != MsgForbidden {
			t.Fatalf("unexpected 403 body")
		}
	}
}

func TestRequireCourseAction(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"allowed", nil, http.StatusOK},
		{"denied", courseauth.ErrResourceAccessDenied, http.StatusForbidden},
		{"store down", courseauth.ErrStoreUnavailable, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authz := &stubAuthz{err: tc.err}
			mux := http.NewServeMux()
			mux.Handle("GET /courses/{courseID}", RequireCourseAction(authz, permission.ActionEdit, nil)(okHandler()))

			req := httptest.NewRequest(http.MethodGet, "/courses/c-42", nil)
			req = req.WithContext(courseauth.WithPrincipal(req.Context(), &courseauth.Principal{UserID: "u", Role: permission.RoleTeacher}))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if authz.gotID != "c-42" || authz.gotRole != permission.RoleTeacher {
				t.Fatalf("authorizer saw course %q role %q", authz.gotID, authz.gotRole)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{courseauth.ErrInvalidCredentials, http.StatusUnauthorized},
		{courseauth.ErrRefreshReuse, http.StatusUnauthorized},
		{courseauth.ErrRoleDenied, http.StatusForbidden},
		{courseauth.ErrRateLimited, http.StatusTooManyRequests},
		{courseauth.ErrPasswordPolicy, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", courseauth.ErrSessionNotFound), http.StatusUnauthorized},
		{fmt.Errorf("%w: dial tcp", courseauth.ErrStoreUnavailable), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &courseauth.RateLimitError{RetryAfter: 90*time.Second + 200*time.Millisecond})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "91" {
		t.Fatalf("expected Retry-After 91, got %q", got)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, courseauth.ErrRateLimited)
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Fatalf("plain rate limit should not set Retry-After, got %q", got)
	}
}

type oneUser struct{ rec courseauth.UserRecord }

func (o oneUser) GetUserByEmail(_ context.Context, email string) (courseauth.UserRecord, error) {
	if email != o.rec.Email {
		return courseauth.UserRecord{}, courseauth.ErrUserNotFound
	}
	return o.rec, nil
}

func (o oneUser) GetUserByID(_ context.Context, id string) (courseauth.UserRecord, error) {
	if id != o.rec.ID {
		return courseauth.UserRecord{}, courseauth.ErrUserNotFound
	}
	return o.rec, nil
}

func (oneUser) UpdatePasswordHash(context.Context, string, string) error { return nil }

func TestEngineLogoutRevokesThroughMiddleware(t *testing.T) {
	pwCfg := password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}
	hasher, err := password.NewHasher(pwCfg)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	hash, _ := hasher.Hash("long-enough-password")

	cfg := courseauth.DefaultConfig()
	cfg.JWT.AccessSecret = []byte("middleware-access-secret-0123456789ab")
	cfg.JWT.RefreshSecret = []byte("middleware-refresh-secret-0123456789ab")
	cfg.Security.EnableLoginThrottle = false
	cfg.Security.EnableRefreshThrottle = false
	cfg.Password.Memory, cfg.Password.Time, cfg.Password.Parallelism, cfg.Password.KeyLength = 8*1024, 1, 1, 16

	courses := permission.NewMemoryStore()
	courses.PutCourse(permission.Course{ID: "c1", InstructorID: "u1", Status: permission.CourseDraft})
	engine, err := courseauth.New().
		WithConfig(cfg).
		WithSessionStore(session.NewMemoryStore(time.Now)).
		WithCourseStore(courses).
		WithUserProvider(oneUser{courseauth.UserRecord{ID: "u1", Email: "t@example.com", Role: permission.RoleTeacher, PasswordHash: hash}}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()

	res, err := engine.Login(context.Background(), "t@example.com", "long-enough-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("DELETE /courses/{courseID}", Authenticate(engine)(RequireCourseAction(engine, permission.ActionDelete, nil)(okHandler())))
	do := func() int {
		req := httptest.NewRequest(http.MethodDelete, "/courses/c1", nil)
		req.Header.Set("Authorization", "Bearer "+res.AccessToken)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("owner delete: expected 200, got %d", code)
	}
	if err := engine.Logout(context.Background(), res.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if code := do(); code != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", code)
	}
}
