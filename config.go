package courseauth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/password"
)

// Config is the complete engine configuration. Build copies it, so later
// changes to the caller's value have no effect on a built engine.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Security SecurityConfig
	Password PasswordConfig
	Audit    AuditConfig
	Metrics  MetricsConfig

	// Logger receives diagnostic output. Nil discards it.
	Logger *slog.Logger
	// Now overrides the wall clock for token and session expiry. Nil means time.Now.
	Now func() time.Time
}

// JWTConfig holds token signing keys and lifetimes.
type JWTConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// SessionConfig configures the default Redis session store.
type SessionConfig struct {
	// RedisPrefix namespaces session keys when the engine builds its own
	// Redis session store.
	RedisPrefix string
}

// SecurityConfig holds refresh reuse and throttling policy.
type SecurityConfig struct {
	// RevokeOnRefreshReuse invalidates a session when one of its rotated-out
	// refresh tokens comes back. When false the token is only rejected.
	RevokeOnRefreshReuse bool

	EnableLoginThrottle bool
	ThrottleLoginByIP   bool
	MaxLoginFailures    int
	LoginCooldown       time.Duration

	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshWindow         time.Duration

	RateLimitPrefix string
}

// PasswordConfig holds argon2id parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// UpgradeOnLogin rehashes legacy or weaker hashes after a successful login.
	UpgradeOnLogin bool
}

// AuditConfig controls the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. The JWT secrets are left empty and
// must be supplied before Build.
func DefaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "courseauth",
		},
		Session: SessionConfig{
			RedisPrefix: "cas:",
		},
		Security: SecurityConfig{
			RevokeOnRefreshReuse:  true,
			EnableLoginThrottle:   true,
			ThrottleLoginByIP:     true,
			MaxLoginFailures:      5,
			LoginCooldown:         15 * time.Minute,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    30,
			RefreshWindow:         time.Minute,
			RateLimitPrefix:       "car:",
		},
		Password: PasswordConfig{
			Memory:         pw.Memory,
			Time:           pw.Time,
			Parallelism:    pw.Parallelism,
			SaltLength:     pw.SaltLength,
			KeyLength:      pw.KeyLength,
			UpgradeOnLogin: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.AccessSecret = cloneBytes(cfg.JWT.AccessSecret)
	out.JWT.RefreshSecret = cloneBytes(cfg.JWT.RefreshSecret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c PasswordConfig) hasherConfig() password.Config {
	return password.Config{
		Memory:      c.Memory,
		Time:        c.Time,
		Parallelism: c.Parallelism,
		SaltLength:  c.SaltLength,
		KeyLength:   c.KeyLength,
	}
}

// Validate returns the first configuration problem found.
func (c *Config) Validate() error {
	if len(c.JWT.AccessSecret) < jwt.MinSecretBytes {
		return fmt.Errorf("JWT AccessSecret must be at least %d bytes", jwt.MinSecretBytes)
	}
	if len(c.JWT.RefreshSecret) < jwt.MinSecretBytes {
		return fmt.Errorf("JWT RefreshSecret must be at least %d bytes", jwt.MinSecretBytes)
	}
	if string(c.JWT.AccessSecret) == string(c.JWT.RefreshSecret) {
		return errors.New("JWT AccessSecret and RefreshSecret must differ")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be longer than AccessTTL")
	}

	if c.Security.EnableLoginThrottle {
		if c.Security.MaxLoginFailures <= 0 {
			return errors.New("Security MaxLoginFailures must be > 0 when login throttling is enabled")
		}
		if c.Security.LoginCooldown <= 0 {
			return errors.New("Security LoginCooldown must be > 0 when login throttling is enabled")
		}
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0 when refresh throttling is enabled")
		}
		if c.Security.RefreshWindow <= 0 {
			return errors.New("Security RefreshWindow must be > 0 when refresh throttling is enabled")
		}
	}

	if err := c.Password.hasherConfig().Validate(); err != nil {
		return fmt.Errorf("Password: %w", err)
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	return nil
}

// LintSeverity ranks a configuration warning.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "info"
	case LintWarn:
		return "warn"
	case LintHigh:
		return "high"
	default:
		return "unknown"
	}
}

// LintWarning flags a valid but questionable setting.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

type LintWarnings []LintWarning

func (ws LintWarnings) Codes() []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

// AsError joins every warning at or above min into one error, or returns nil.
func (ws LintWarnings) AsError(min LintSeverity) error {
	var msgs []string
	for _, w := range ws {
		if w.Severity >= min {
			msgs = append(msgs, w.Code+": "+w.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New("courseauth config: " + strings.Join(msgs, "; "))
}

// Lint reports settings that pass Validate but weaken the security posture.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.JWT.AccessTTL > 15*time.Minute {
		add("access_ttl_long", LintWarn, "access tokens outlive 15m; revocation still holds but leaked tokens verify longer")
	}
	if c.JWT.RefreshTTL > 30*24*time.Hour {
		add("refresh_ttl_long", LintWarn, "refresh tokens outlive 30 days")
	}
	if c.JWT.Issuer == "" {
		add("issuer_empty", LintInfo, "tokens carry no iss claim")
	}
	if !c.Security.RevokeOnRefreshReuse {
		add("refresh_reuse_not_revoked", LintHigh, "a replayed refresh token leaves its session alive")
	}
	if !c.Security.EnableLoginThrottle && !c.Security.EnableRefreshThrottle {
		add("rate_limits_disabled", LintWarn, "neither login nor refresh throttling is enabled")
	} else if c.Security.EnableLoginThrottle && !c.Security.ThrottleLoginByIP {
		add("ip_throttle_disabled", LintInfo, "login failures are only counted per email")
	}
	if c.Password.Memory < 19*1024 {
		add("argon2_memory_low", LintWarn, "argon2id memory below 19 MiB")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "no audit events will be emitted")
	}
	return ws
}
