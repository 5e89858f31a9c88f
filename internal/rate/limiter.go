package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLimited     = errors.New("rate limited")
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Config holds limiter budgets. A zero Max disables that limit.
type Config struct {
	Prefix             string
	MaxLoginFailures   int
	LoginWindow        time.Duration
	ThrottleLoginByIP  bool
	MaxRefreshAttempts int
	RefreshWindow      time.Duration
}

const incrScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

var incrLua = redis.NewScript(incrScript)

// Limiter enforces login and refresh budgets with Redis counters.
type Limiter struct {
	redis redis.UniversalClient
	cfg   Config
}

// New returns a Limiter. Keys default to the "car:" prefix.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "car:"
	}
	return &Limiter{redis: client, cfg: cfg}
}

func (l *Limiter) loginKey(email string) string {
	return l.cfg.Prefix + "login:" + strings.ToLower(strings.TrimSpace(email))
}

func (l *Limiter) loginIPKey(ip string) string        { return l.cfg.Prefix + "login-ip:" + ip }
func (l *Limiter) refreshKey(sessionID string) string { return l.cfg.Prefix + "refresh:" + sessionID }

// CheckLogin returns ErrLimited while the email or IP is over its failure budget.
// It does not count the attempt; call RecordLoginFailure for that.
func (l *Limiter) CheckLogin(ctx context.Context, email, ip string) error {
	if l.cfg.MaxLoginFailures <= 0 {
		return nil
	}
	keys := []string{l.loginKey(email)}
	if l.cfg.ThrottleLoginByIP && ip != "" {
		keys = append(keys, l.loginIPKey(ip))
	}

	counts, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, raw := range counts {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var n int
		if _, err := fmt.Sscan(s, &n); err == nil && n >= l.cfg.MaxLoginFailures {
			return ErrLimited
		}
	}
	return nil
}

// RecordLoginFailure counts one failed attempt for email and ip.
func (l *Limiter) RecordLoginFailure(ctx context.Context, email, ip string) error {
	if l.cfg.MaxLoginFailures <= 0 {
		return nil
	}
	if _, err := l.incr(ctx, l.loginKey(email), l.cfg.LoginWindow); err != nil {
		return err
	}
	if l.cfg.ThrottleLoginByIP && ip != "" {
		if _, err := l.incr(ctx, l.loginIPKey(ip), l.cfg.LoginWindow); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the email counter after a successful login. The IP counter
// is left alone so one good account cannot launder a spraying IP.
func (l *Limiter) ResetLogin(ctx context.Context, email string) error {
	if l.cfg.MaxLoginFailures <= 0 {
		return nil
	}
	if err := l.redis.Del(ctx, l.loginKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CheckRefresh counts one refresh attempt for the session and returns
// ErrLimited once the window budget is spent.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if l.cfg.MaxRefreshAttempts <= 0 {
		return nil
	}
	n, err := l.incr(ctx, l.refreshKey(sessionID), l.cfg.RefreshWindow)
	if err != nil {
		return err
	}
	if n > int64(l.cfg.MaxRefreshAttempts) {
		return ErrLimited
	}
	return nil
}

// RetryAfter reports how long the email's login window has left.
func (l *Limiter) RetryAfter(ctx context.Context, email string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, l.loginKey(email)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = time.Minute
	}
	n, err := incrLua.Run(ctx, l.redis, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}
