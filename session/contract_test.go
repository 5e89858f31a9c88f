package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) Store

// runStoreContract checks the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("create and find", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    clock.Now().Add(time.Hour),
			IPAddress:    "10.0.0.1",
			UserAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if created.ID == "" || !created.IsActive {
			t.Fatalf("unexpected created session %+v", created)
		}
		if created.TokenHash == "access-1" || created.TokenHash != HashToken("access-1") {
			t.Fatalf("token must be stored hashed, got %q", created.TokenHash)
		}

		byToken, err := store.FindByToken(ctx, "access-1")
		if err != nil {
			t.Fatalf("find by token: %v", err)
		}
		if byToken.ID != created.ID || byToken.UserID != "u1" {
			t.Fatalf("find by token mismatch: %+v", byToken)
		}
		if byToken.DeviceType != DeviceMobile || byToken.IPAddress != "10.0.0.1" {
			t.Fatalf("unexpected device metadata: %+v", byToken)
		}

		byRefresh, err := store.FindByRefreshToken(ctx, "refresh-1")
		if err != nil {
			t.Fatalf("find by refresh: %v", err)
		}
		if byRefresh.ID != created.ID {
			t.Fatalf("find by refresh returned %q want %q", byRefresh.ID, created.ID)
		}

		if _, err := store.FindByToken(ctx, "refresh-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("refresh token must not match access index, got %v", err)
		}
		if _, err := store.FindByToken(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.FindByToken(ctx, ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for empty token, got %v", err)
		}
	})

	t.Run("expired session is absent", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		if _, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "access-exp",
			RefreshToken: "refresh-exp",
			ExpiresAt:    clock.Now().Add(time.Minute),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		clock.Advance(2 * time.Minute)
		if _, err := store.FindByToken(ctx, "access-exp"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected expired session to be absent, got %v", err)
		}
		if _, err := store.FindByRefreshToken(ctx, "refresh-exp"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected expired session to be absent by refresh, got %v", err)
		}
	})

	t.Run("create rejects invalid input", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		bad := []NewSession{
			{Token: "t", ExpiresAt: clock.Now().Add(time.Hour)},
			{UserID: "u1", ExpiresAt: clock.Now().Add(time.Hour)},
			{UserID: "u1", Token: "t", ExpiresAt: clock.Now().Add(-time.Second)},
		}
		for i, in := range bad {
			if _, err := store.Create(ctx, in); !errors.Is(err, ErrInvalidSession) {
				t.Fatalf("case %d: expected ErrInvalidSession, got %v", i, err)
			}
		}
	})

	t.Run("duplicate token rejected", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		in := NewSession{UserID: "u1", Token: "dup", RefreshToken: "r-dup", ExpiresAt: clock.Now().Add(time.Hour)}
		if _, err := store.Create(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
		in.RefreshToken = "r-dup-2"
		if _, err := store.Create(ctx, in); !errors.Is(err, ErrDuplicateToken) {
			t.Fatalf("expected ErrDuplicateToken, got %v", err)
		}
	})

	t.Run("rotate preserves identity", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "access-old",
			RefreshToken: "refresh-old",
			ExpiresAt:    clock.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		clock.Advance(30 * time.Minute)
		newExpiry := clock.Now().Add(2 * time.Hour)
		rotated, err := store.Rotate(ctx, Rotation{
			SessionID:            created.ID,
			PreviousRefreshToken: "refresh-old",
			Token:                "access-new",
			RefreshToken:         "refresh-new",
			ExpiresAt:            newExpiry,
		})
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		if rotated.ID != created.ID || rotated.UserID != created.UserID {
			t.Fatalf("rotate changed identity: before %+v after %+v", created, rotated)
		}
		if !rotated.ExpiresAt.Equal(newExpiry) {
			t.Fatalf("rotate expiry = %v want %v", rotated.ExpiresAt, newExpiry)
		}

		if _, err := store.FindByToken(ctx, "access-old"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old token must be absent after rotate, got %v", err)
		}
		if _, err := store.FindByRefreshToken(ctx, "refresh-old"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old refresh token must be absent after rotate, got %v", err)
		}
		found, err := store.FindByToken(ctx, "access-new")
		if err != nil {
			t.Fatalf("find rotated token: %v", err)
		}
		if found.ID != created.ID || found.UserID != "u1" {
			t.Fatalf("rotated session mismatch: %+v", found)
		}
		if _, err := store.FindByRefreshToken(ctx, "refresh-new"); err != nil {
			t.Fatalf("find rotated refresh token: %v", err)
		}

		// The first expiry has passed; the extended one keeps the row live.
		clock.Advance(45 * time.Minute)
		if _, err := store.FindByToken(ctx, "access-new"); err != nil {
			t.Fatalf("rotated session should outlive original expiry: %v", err)
		}
	})

	t.Run("rotate conflicts and misses", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "a1",
			RefreshToken: "r1",
			ExpiresAt:    clock.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		_, err = store.Rotate(ctx, Rotation{
			SessionID:            created.ID,
			PreviousRefreshToken: "not-r1",
			Token:                "a2",
			RefreshToken:         "r2",
			ExpiresAt:            clock.Now().Add(time.Hour),
		})
		if !errors.Is(err, ErrRotateConflict) {
			t.Fatalf("expected ErrRotateConflict, got %v", err)
		}

		_, err = store.Rotate(ctx, Rotation{
			SessionID:            "00000000-0000-0000-0000-000000000000",
			PreviousRefreshToken: "r1",
			Token:                "a2",
			RefreshToken:         "r2",
			ExpiresAt:            clock.Now().Add(time.Hour),
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
		}

		if _, err := store.FindByToken(ctx, "a1"); err != nil {
			t.Fatalf("failed rotation must leave session intact: %v", err)
		}
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "race-access",
			RefreshToken: "race-refresh",
			ExpiresAt:    clock.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []string
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token := fmt.Sprintf("race-access-%d", i)
				_, err := store.Rotate(ctx, Rotation{
					SessionID:            created.ID,
					PreviousRefreshToken: "race-refresh",
					Token:                token,
					RefreshToken:         fmt.Sprintf("race-refresh-%d", i),
					ExpiresAt:            clock.Now().Add(time.Hour),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, token)
				case errors.Is(err, ErrRotateConflict):
					conflicts++
				default:
					t.Errorf("unexpected rotate error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if len(winners) != 1 || conflicts != workers-1 {
			t.Fatalf("expected exactly one winner, got %d winners and %d conflicts", len(winners), conflicts)
		}
		found, err := store.FindByToken(ctx, winners[0])
		if err != nil || found.ID != created.ID {
			t.Fatalf("winner token should resolve to the session: %+v %v", found, err)
		}
	})

	t.Run("invalidate is immediate and idempotent", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		if _, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "logout-access",
			RefreshToken: "logout-refresh",
			ExpiresAt:    clock.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		if err := store.Invalidate(ctx, "logout-access"); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		if _, err := store.FindByToken(ctx, "logout-access"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after invalidate, got %v", err)
		}
		if _, err := store.FindByRefreshToken(ctx, "logout-refresh"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("refresh token must die with the session, got %v", err)
		}
		if err := store.Invalidate(ctx, "logout-access"); err != nil {
			t.Fatalf("second invalidate should be a no-op: %v", err)
		}
		if err := store.Invalidate(ctx, "never-issued"); err != nil {
			t.Fatalf("unknown token invalidate should be a no-op: %v", err)
		}
	})

	t.Run("invalidate by id", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{UserID: "u1", Token: "byid", ExpiresAt: clock.Now().Add(time.Hour)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.InvalidateByID(ctx, created.ID); err != nil {
			t.Fatalf("invalidate by id: %v", err)
		}
		if _, err := store.FindByToken(ctx, "byid"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invalidate user", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		for i, in := range []NewSession{
			{UserID: "u1", Token: "u1-a", RefreshToken: "u1-ra"},
			{UserID: "u1", Token: "u1-b", RefreshToken: "u1-rb"},
			{UserID: "u2", Token: "u2-a", RefreshToken: "u2-ra"},
		} {
			in.ExpiresAt = clock.Now().Add(time.Hour)
			if _, err := store.Create(ctx, in); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}

		n, err := store.InvalidateUser(ctx, "u1")
		if err != nil {
			t.Fatalf("invalidate user: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 live sessions removed, got %d", n)
		}
		for _, tok := range []string{"u1-a", "u1-b"} {
			if _, err := store.FindByToken(ctx, tok); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s should be revoked, got %v", tok, err)
			}
		}
		if _, err := store.FindByToken(ctx, "u2-a"); err != nil {
			t.Fatalf("other users must be untouched: %v", err)
		}
	})

	t.Run("revoke stale refresh", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx := context.Background()

		created, err := store.Create(ctx, NewSession{
			UserID:       "u1",
			Token:        "stale-a1",
			RefreshToken: "stale-r1",
			ExpiresAt:    clock.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.Rotate(ctx, Rotation{
			SessionID:            created.ID,
			PreviousRefreshToken: "stale-r1",
			Token:                "stale-a2",
			RefreshToken:         "stale-r2",
			ExpiresAt:            clock.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("rotate: %v", err)
		}

		revoked, err := store.RevokeStaleRefresh(ctx, "stale-r2")
		if err != nil || revoked {
			t.Fatalf("current refresh token is not stale: revoked=%v err=%v", revoked, err)
		}
		revoked, err = store.RevokeStaleRefresh(ctx, "stale-r1")
		if err != nil {
			t.Fatalf("revoke stale: %v", err)
		}
		if !revoked {
			t.Fatal("expected stale refresh token to revoke its session")
		}
		if _, err := store.FindByToken(ctx, "stale-a2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("session should be gone after stale refresh revocation, got %v", err)
		}
		revoked, err = store.RevokeStaleRefresh(ctx, "stale-r1")
		if err != nil || revoked {
			t.Fatalf("second revocation should find nothing: revoked=%v err=%v", revoked, err)
		}
	})

	t.Run("canceled context is unavailable", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, clock)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := store.FindByToken(ctx, "anything"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable for canceled context, got %v", err)
		}
	})
}
