// Command courseauth-loadtest drives the Redis session store with concurrent
// create, lookup, rotate and invalidate traffic and prints latency percentiles.
// Without -redis-addr or REDIS_ADDR it runs against an in-process miniredis.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/courseauth/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// seeded tracks the current token pair of one session. Rotations on the same
// session are serialized so each worker presents the refresh token it holds.
type seeded struct {
	mu      sync.Mutex
	id      string
	token   string
	refresh string
}

func main() {
	var (
		sessions    = flag.Int("sessions", 20000, "number of sessions to create")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per lookup and rotate phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR or miniredis is used")
		prefix      = flag.String("prefix", "cas-load:", "session key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency and ops must be > 0")
		os.Exit(2)
	}

	client, cleanup, err := connect(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx := context.Background()
	store := session.NewRedisStore(client, *prefix)
	states := make([]seeded, *sessions)

	results := []struct {
		name  string
		stats phaseStats
	}{
		{"create", runPhase(*sessions, *concurrency, func(_ *rand.Rand, i int) error {
			return create(ctx, store, &states[i], i)
		})},
		{"find", runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
			_, err := store.FindByToken(ctx, states[r.Intn(len(states))].token)
			return err
		})},
		{"rotate", runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
			return rotate(ctx, store, &states[r.Intn(len(states))])
		})},
		{"invalidate", runPhase(*sessions, *concurrency, func(_ *rand.Rand, i int) error {
			return store.InvalidateByID(ctx, states[i].id)
		})},
	}

	fmt.Println("---- results ----")
	for _, res := range results {
		printStats(res.name, res.stats)
	}
}

func connect(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func create(ctx context.Context, store session.Store, st *seeded, i int) error {
	st.token, st.refresh = uuid.NewString(), uuid.NewString()
	sess, err := store.Create(ctx, session.NewSession{
		UserID:       fmt.Sprintf("user-%d", i%1000),
		Token:        st.token,
		RefreshToken: st.refresh,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
		UserAgent:    "courseauth-loadtest",
	})
	if err != nil {
		return err
	}
	st.id = sess.ID
	return nil
}

func rotate(ctx context.Context, store session.Store, st *seeded) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	token, refresh := uuid.NewString(), uuid.NewString()
	_, err := store.Rotate(ctx, session.Rotation{
		SessionID:            st.id,
		PreviousRefreshToken: st.refresh,
		Token:                token,
		RefreshToken:         refresh,
		ExpiresAt:            time.Now().Add(24 * time.Hour),
	})
	if err == nil {
		st.token, st.refresh = token, refresh
	}
	return err
}

// runPhase executes op n times across workers goroutines. op receives a
// per-worker rand source and the operation index.
func runPhase(n, workers int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, n)
	)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			local := make([]time.Duration, 0, n/workers+1)
			for {
				i := int(cursor.Add(1)) - 1
				if i >= n {
					break
				}
				t0 := time.Now()
				if err := op(r, i); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, p int) time.Duration {
	switch {
	case len(samples) == 0:
		return 0
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%-10s ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
