package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/MrEthical07/courseauth/session"
)

func TestPercentile(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	if got := percentile(samples, 50); got != 50*time.Millisecond {
		t.Fatalf("p50 = %s", got)
	}
	if got := percentile(samples, 100); got != 100*time.Millisecond {
		t.Fatalf("p100 = %s", got)
	}
	if got := percentile(nil, 99); got != 0 {
		t.Fatalf("empty p99 = %s", got)
	}
}

func TestRunPhaseCountsFailures(t *testing.T) {
	stats := runPhase(50, 4, func(_ *rand.Rand, i int) error {
		if i%10 == 0 {
			return errors.New("fail")
		}
		return nil
	})
	if stats.ops != 50 || stats.failures != 5 {
		t.Fatalf("expected 50 ops and 5 failures, got %+v", stats)
	}
}

func TestCreateRotateAgainstMiniredis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	client, cleanup, err := connect("")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(cleanup)

	ctx := context.Background()
	store := session.NewRedisStore(client, "lt:")
	var st seeded
	if err := create(ctx, store, &st, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	old := st.token
	if err := rotate(ctx, store, &st); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := store.FindByToken(ctx, old); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("old token should be gone, got %v", err)
	}
	if _, err := store.FindByToken(ctx, st.token); err != nil {
		t.Fatalf("rotated token lookup: %v", err)
	}
}
