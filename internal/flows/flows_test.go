package flows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/courseauth/internal/rate"
	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/session"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock    *testClock
	codec    *jwt.Codec
	sessions *session.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	codec, err := jwt.NewCodec(jwt.Config{
		AccessSecret:  []byte("flows-access-secret-0123456789abcdef"),
		RefreshSecret: []byte("flows-refresh-secret-0123456789abcdef"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return &harness{clock: clock, codec: codec, sessions: session.NewMemoryStore(clock.Now)}
}

func (h *harness) authDeps() AuthenticateDeps {
	return AuthenticateDeps{VerifyAccess: h.codec.VerifyAccess, Sessions: h.sessions}
}

func (h *harness) refreshDeps() RefreshDeps {
	return RefreshDeps{
		VerifyRefresh: h.codec.VerifyRefresh,
		Issue:         h.codec.Issue,
		Sessions:      h.sessions,
		RevokeOnReuse: true,
	}
}

var errNoUser = errors.New("no such user")

func (h *harness) loginDeps(users map[string]LoginUser) LoginDeps {
	return LoginDeps{
		FindUser: func(_ context.Context, email string) (LoginUser, error) {
			u, ok := users[email]
			if !ok {
				return LoginUser{}, errNoUser
			}
			return u, nil
		},
		VerifyPassword: func(pw, hash string) (bool, error) { return "hash:"+pw == hash, nil },
		UserNotFound:   errNoUser,
		Issue:          h.codec.Issue,
		Sessions:       h.sessions,
	}
}

func (h *harness) login(t *testing.T) LoginResult {
	t.Helper()
	users := map[string]LoginUser{
		"t@example.com": {ID: "u1", Email: "t@example.com", Role: "teacher", PasswordHash: "hash:correct horse"},
	}
	res := RunLogin(context.Background(), LoginRequest{Email: "t@example.com", Password: "correct horse", IP: "10.1.1.1", UserAgent: "Mozilla/5.0 (iPhone)"}, h.loginDeps(users))
	if res.Failure != LoginFailureNone {
		t.Fatalf("login failed: kind=%d err=%v", res.Failure, res.Err)
	}
	return res
}

func TestLoginOpensSession(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)

	if res.Session.UserID != "u1" || !res.Session.IsActive {
		t.Fatalf("unexpected session %+v", res.Session)
	}
	if res.Session.IPAddress != "10.1.1.1" || res.Session.DeviceType != session.DeviceMobile {
		t.Fatalf("client metadata not recorded: %+v", res.Session)
	}
	if !res.Session.ExpiresAt.Equal(res.Pair.RefreshExpiresAt) {
		t.Fatalf("session expiry %v should track refresh expiry %v", res.Session.ExpiresAt, res.Pair.RefreshExpiresAt)
	}
}

func TestLoginRejectsBadCredentialsUniformly(t *testing.T) {
	h := newHarness(t)
	users := map[string]LoginUser{"a@example.com": {ID: "u1", Email: "a@example.com", Role: "student", PasswordHash: "hash:right"}}

	dummyCalls := 0
	deps := h.loginDeps(users)
	verify := deps.VerifyPassword
	deps.DummyHash = "hash:dummy"
	deps.VerifyPassword = func(pw, hash string) (bool, error) {
		if hash == "hash:dummy" {
			dummyCalls++
		}
		return verify(pw, hash)
	}

	cases := []LoginRequest{
		{Email: "a@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "right"},
		{Email: "", Password: "right"},
		{Email: "a@example.com", Password: ""},
	}
	for _, req := range cases {
		res := RunLogin(context.Background(), req, deps)
		if res.Failure != LoginFailureInvalidCredentials {
			t.Fatalf("%+v: expected invalid credentials, got kind %d", req, res.Failure)
		}
	}
	if dummyCalls != 1 {
		t.Fatalf("expected one dummy verification for the unknown user, got %d", dummyCalls)
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("failed logins must not create sessions")
	}
}

func TestLoginUserLookupErrorIsNotInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	deps := h.loginDeps(nil)
	deps.FindUser = func(context.Context, string) (LoginUser, error) {
		return LoginUser{}, errors.New("db down")
	}
	if res := RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "x"}, deps); res.Failure != LoginFailureUserLookup {
		t.Fatalf("expected user lookup failure, got %d", res.Failure)
	}
}

type stubLimiter struct {
	checkErr error
	failures int
	resets   int
}

func (s *stubLimiter) CheckLogin(context.Context, string, string) error { return s.checkErr }
func (s *stubLimiter) RecordLoginFailure(context.Context, string, string) error {
	s.failures++
	return nil
}
func (s *stubLimiter) ResetLogin(context.Context, string) error {
	s.resets++
	return nil
}

func TestLoginRateLimiting(t *testing.T) {
	h := newHarness(t)
	users := map[string]LoginUser{"a@example.com": {ID: "u1", Email: "a@example.com", Role: "student", PasswordHash: "hash:right"}}

	lim := &stubLimiter{}
	deps := h.loginDeps(users)
	deps.RateLimiter = lim

	RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "wrong"}, deps)
	if lim.failures != 1 {
		t.Fatalf("expected failure to be recorded, got %d", lim.failures)
	}
	RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "right"}, deps)
	if lim.resets != 1 {
		t.Fatalf("expected counter reset on success, got %d", lim.resets)
	}

	lim.checkErr = rate.ErrLimited
	if res := RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "right"}, deps); res.Failure != LoginFailureRateLimited {
		t.Fatalf("expected rate limited, got %d", res.Failure)
	}
	lim.checkErr = rate.ErrUnavailable
	if res := RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "right"}, deps); res.Failure != LoginFailureLimiter {
		t.Fatalf("expected limiter failure, got %d", res.Failure)
	}
}

func TestLoginUpgradesOutdatedHash(t *testing.T) {
	h := newHarness(t)
	users := map[string]LoginUser{"a@example.com": {ID: "u1", Email: "a@example.com", Role: "student", PasswordHash: "hash:right"}}

	var stored string
	deps := h.loginDeps(users)
	deps.NeedsRehash = func(hash string) bool { return hash == "hash:right" }
	deps.HashPassword = func(pw string) (string, error) { return "v2:" + pw, nil }
	deps.UpdatePasswordHash = func(_ context.Context, userID, hash string) error {
		stored = userID + "=" + hash
		return nil
	}

	if res := RunLogin(context.Background(), LoginRequest{Email: "a@example.com", Password: "right"}, deps); res.Failure != LoginFailureNone {
		t.Fatalf("login failed: %d", res.Failure)
	}
	if stored != "u1=v2:right" {
		t.Fatalf("expected upgraded hash to be stored, got %q", stored)
	}
}

func TestAuthenticateDualGate(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()

	ok := RunAuthenticate(ctx, res.Pair.AccessToken, h.authDeps())
	if ok.Failure != AuthFailureNone || ok.Claims.UserID != "u1" || ok.Session.ID != res.Session.ID {
		t.Fatalf("expected success, got %+v", ok)
	}

	if got := RunAuthenticate(ctx, "", h.authDeps()); got.Failure != AuthFailureMissing {
		t.Fatalf("expected missing, got %d", got.Failure)
	}
	if got := RunAuthenticate(ctx, "not.a.token", h.authDeps()); got.Failure != AuthFailureInvalid {
		t.Fatalf("expected invalid, got %d", got.Failure)
	}
	if got := RunAuthenticate(ctx, res.Pair.RefreshToken, h.authDeps()); got.Failure != AuthFailureInvalid {
		t.Fatalf("refresh token must not authenticate, got %d", got.Failure)
	}
}

func TestAuthenticateAfterInvalidateIsSessionNotFound(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()

	out := RunLogout(ctx, res.Pair.AccessToken, LogoutDeps{Sessions: h.sessions})
	if out.Err != nil || out.Session == nil || out.Session.ID != res.Session.ID {
		t.Fatalf("logout: %+v", out)
	}

	got := RunAuthenticate(ctx, res.Pair.AccessToken, h.authDeps())
	if got.Failure != AuthFailureSessionNotFound {
		t.Fatalf("expected session not found, got %d", got.Failure)
	}
	if again := RunLogout(ctx, res.Pair.AccessToken, LogoutDeps{Sessions: h.sessions}); again.Err != nil || again.Session != nil {
		t.Fatalf("second logout should be a silent no-op, got %+v", again)
	}
}

func TestAuthenticateExpiredBeforeSessionLookup(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	h.clock.Advance(16 * time.Minute)

	got := RunAuthenticate(context.Background(), res.Pair.AccessToken, h.authDeps())
	if got.Failure != AuthFailureExpired || !errors.Is(got.Err, jwt.ErrExpired) {
		t.Fatalf("expected expired, got %d (%v)", got.Failure, got.Err)
	}
}

type failingFinder struct{}

func (failingFinder) FindByToken(context.Context, string) (*session.Session, error) {
	return nil, session.ErrUnavailable
}

func TestAuthenticateStoreFailureIsNotSessionNotFound(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)

	got := RunAuthenticate(context.Background(), res.Pair.AccessToken, AuthenticateDeps{VerifyAccess: h.codec.VerifyAccess, Sessions: failingFinder{}})
	if got.Failure != AuthFailureStore {
		t.Fatalf("expected store failure, got %d", got.Failure)
	}
}

func TestRefreshRotatesSameSession(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()
	h.clock.Advance(time.Minute)

	out := RunRefresh(ctx, res.Pair.RefreshToken, h.refreshDeps())
	if out.Failure != RefreshFailureNone {
		t.Fatalf("refresh failed: kind=%d err=%v", out.Failure, out.Err)
	}
	if out.Session.ID != res.Session.ID || out.Session.UserID != "u1" {
		t.Fatalf("rotation must keep id and user, got %+v", out.Session)
	}
	if got := RunAuthenticate(ctx, res.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureSessionNotFound {
		t.Fatalf("old access token should be dead, got %d", got.Failure)
	}
	if got := RunAuthenticate(ctx, out.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureNone {
		t.Fatalf("new access token should authenticate, got %d", got.Failure)
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("refresh must not add rows, have %d", h.sessions.Len())
	}
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()

	next := RunRefresh(ctx, res.Pair.RefreshToken, h.refreshDeps())
	if next.Failure != RefreshFailureNone {
		t.Fatalf("first refresh failed: %d", next.Failure)
	}

	replay := RunRefresh(ctx, res.Pair.RefreshToken, h.refreshDeps())
	if replay.Failure != RefreshFailureReuse {
		t.Fatalf("expected reuse, got %d", replay.Failure)
	}
	if got := RunAuthenticate(ctx, next.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureSessionNotFound {
		t.Fatalf("reuse should revoke the session, got %d", got.Failure)
	}
}

func TestRefreshReuseWithoutRevocation(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()
	deps := h.refreshDeps()
	deps.RevokeOnReuse = false

	next := RunRefresh(ctx, res.Pair.RefreshToken, deps)
	if next.Failure != RefreshFailureNone {
		t.Fatalf("first refresh failed: %d", next.Failure)
	}
	if replay := RunRefresh(ctx, res.Pair.RefreshToken, deps); replay.Failure != RefreshFailureSessionNotFound {
		t.Fatalf("expected session not found, got %d", replay.Failure)
	}
	if got := RunAuthenticate(ctx, next.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureNone {
		t.Fatalf("session should survive, got %d", got.Failure)
	}
}

// lockstepFinds holds the first callers refresh lookups until all of them
// have arrived, so every caller reads the same token state before any rotates.
type lockstepFinds struct {
	*session.MemoryStore
	callers int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newLockstepFinds(store *session.MemoryStore, callers int) *lockstepFinds {
	return &lockstepFinds{MemoryStore: store, callers: callers, release: make(chan struct{})}
}

func (s *lockstepFinds) FindByRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error) {
	sess, err := s.MemoryStore.FindByRefreshToken(ctx, refreshToken)
	s.mu.Lock()
	s.arrived++
	held := s.arrived <= s.callers
	if s.arrived == s.callers {
		close(s.release)
	}
	s.mu.Unlock()
	if held {
		<-s.release
	}
	return sess, err
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	ctx := context.Background()

	const n = 8
	deps := h.refreshDeps()
	deps.Sessions = newLockstepFinds(h.sessions, n)

	results := make([]RefreshResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = RunRefresh(ctx, res.Pair.RefreshToken, deps)
		}(i)
	}
	wg.Wait()

	var winner *RefreshResult
	for i := range results {
		switch r := &results[i]; r.Failure {
		case RefreshFailureNone:
			if winner != nil {
				t.Fatalf("two refreshes succeeded")
			}
			winner = r
		case RefreshFailureSessionNotFound:
			if !errors.Is(r.Err, session.ErrRotateConflict) {
				t.Fatalf("loser should report a rotate conflict, got %v", r.Err)
			}
		default:
			t.Fatalf("unexpected failure kind %d (%v)", r.Failure, r.Err)
		}
	}
	if winner == nil {
		t.Fatalf("no refresh succeeded")
	}

	if got := RunAuthenticate(ctx, winner.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureNone {
		t.Fatalf("winner's access token should authenticate, got %d", got.Failure)
	}
	if next := RunRefresh(ctx, winner.Pair.RefreshToken, h.refreshDeps()); next.Failure != RefreshFailureNone {
		t.Fatalf("winner's refresh token should stay current, got %d (%v)", next.Failure, next.Err)
	}
}

func TestRefreshRejectsUnacceptedClaims(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	deps := h.refreshDeps()
	deps.AcceptClaims = func(c *jwt.Claims) bool { return c.Role != "teacher" }

	out := RunRefresh(context.Background(), res.Pair.RefreshToken, deps)
	if out.Failure != RefreshFailureInvalid || !errors.Is(out.Err, ErrClaimsRejected) {
		t.Fatalf("expected invalid, got %d (%v)", out.Failure, out.Err)
	}
	if got := RunAuthenticate(context.Background(), res.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureNone {
		t.Fatalf("rejected refresh must not touch the session, got %d", got.Failure)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	if out := RunRefresh(context.Background(), res.Pair.AccessToken, h.refreshDeps()); out.Failure != RefreshFailureInvalid {
		t.Fatalf("expected invalid, got %d", out.Failure)
	}
	if out := RunRefresh(context.Background(), "", h.refreshDeps()); out.Failure != RefreshFailureMissing {
		t.Fatalf("expected missing, got %d", out.Failure)
	}
}

type limitAll struct{}

func (limitAll) CheckRefresh(context.Context, string) error { return rate.ErrLimited }

func TestRefreshRateLimited(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	deps := h.refreshDeps()
	deps.RateLimiter = limitAll{}

	out := RunRefresh(context.Background(), res.Pair.RefreshToken, deps)
	if out.Failure != RefreshFailureRateLimited || out.SessionID != res.Session.ID {
		t.Fatalf("expected rate limited for session %s, got %+v", res.Session.ID, out)
	}
}

func TestLogoutAllCountsLiveSessions(t *testing.T) {
	h := newHarness(t)
	first := h.login(t)
	h.login(t)

	n, err := RunLogoutAll(context.Background(), "u1", LogoutDeps{Sessions: h.sessions})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 sessions removed, got %d (%v)", n, err)
	}
	if got := RunAuthenticate(context.Background(), first.Pair.AccessToken, h.authDeps()); got.Failure != AuthFailureSessionNotFound {
		t.Fatalf("expected session not found, got %d", got.Failure)
	}
}
