// Package serverconfig loads the reference server configuration from defaults,
// an optional YAML file and COURSEAUTH_* environment variables, in that order.
package serverconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/courseauth"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the reference server configuration as read from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	AccessSecret         string        `yaml:"access_secret"`
	RefreshSecret        string        `yaml:"refresh_secret"`
	AccessTTL            time.Duration `yaml:"access_ttl"`
	RefreshTTL           time.Duration `yaml:"refresh_ttl"`
	Issuer               string        `yaml:"issuer"`
	RevokeOnRefreshReuse bool          `yaml:"revoke_on_refresh_reuse"`
}

// StoreConfig selects where sessions live. Courses and users live in Postgres
// for the postgres backend and in memory otherwise. The memory backend runs an
// in-process Redis for rate limiting.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SessionPrefix string `yaml:"session_prefix"`
	PostgresURL   string `yaml:"postgres_url"`
	Migrate       bool   `yaml:"migrate"`
	SeedDemoData  bool   `yaml:"seed_demo_data"`
}

type RateLimitConfig struct {
	LoginEnabled       bool          `yaml:"login_enabled"`
	MaxLoginFailures   int           `yaml:"max_login_failures"`
	LoginCooldown      time.Duration `yaml:"login_cooldown"`
	RefreshEnabled     bool          `yaml:"refresh_enabled"`
	MaxRefreshAttempts int           `yaml:"max_refresh_attempts"`
	RefreshWindow      time.Duration `yaml:"refresh_window"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			AccessTTL:            15 * time.Minute,
			RefreshTTL:           7 * 24 * time.Hour,
			Issuer:               "courseauth",
			RevokeOnRefreshReuse: true,
		},
		Store: StoreConfig{
			Backend:       BackendMemory,
			SessionPrefix: "cas:",
		},
		RateLimit: RateLimitConfig{
			LoginEnabled:       true,
			MaxLoginFailures:   5,
			LoginCooldown:      15 * time.Minute,
			RefreshEnabled:     true,
			MaxRefreshAttempts: 30,
			RefreshWindow:      time.Minute,
		},
		Audit: AuditConfig{
			Enabled: true,
			Output:  "slog",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = b
		}
	}

	str("COURSEAUTH_ADDR", &cfg.Server.Addr)
	str("COURSEAUTH_LOG_LEVEL", &cfg.Logging.Level)
	str("COURSEAUTH_LOG_FORMAT", &cfg.Logging.Format)

	str("COURSEAUTH_ACCESS_SECRET", &cfg.Auth.AccessSecret)
	str("COURSEAUTH_REFRESH_SECRET", &cfg.Auth.RefreshSecret)
	dur("COURSEAUTH_ACCESS_TTL", &cfg.Auth.AccessTTL)
	dur("COURSEAUTH_REFRESH_TTL", &cfg.Auth.RefreshTTL)

	str("COURSEAUTH_STORE_BACKEND", &cfg.Store.Backend)
	str("COURSEAUTH_REDIS_ADDR", &cfg.Store.RedisAddr)
	str("COURSEAUTH_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	str("COURSEAUTH_POSTGRES_URL", &cfg.Store.PostgresURL)
	flag("COURSEAUTH_SEED_DEMO_DATA", &cfg.Store.SeedDemoData)

	flag("COURSEAUTH_LOGIN_THROTTLE", &cfg.RateLimit.LoginEnabled)
	flag("COURSEAUTH_REFRESH_THROTTLE", &cfg.RateLimit.RefreshEnabled)
	flag("COURSEAUTH_AUDIT", &cfg.Audit.Enabled)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate reports every problem at once, joined with "; ".
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, `logging.format must be "json" or "text"`)
	}

	if c.Auth.AccessSecret == "" {
		errs = append(errs, "auth.access_secret is required (set COURSEAUTH_ACCESS_SECRET)")
	}
	if c.Auth.RefreshSecret == "" {
		errs = append(errs, "auth.refresh_secret is required (set COURSEAUTH_REFRESH_SECRET)")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, "store.postgres_url is required for the postgres backend")
		}
		if (c.RateLimit.LoginEnabled || c.RateLimit.RefreshEnabled) && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for rate limiting with the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of memory, redis, postgres", c.Store.Backend))
	}

	if c.Audit.Output != "slog" && c.Audit.Output != "stdout" {
		errs = append(errs, `audit.output must be "slog" or "stdout"`)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) == 0 {
		// Engine-level checks only make sense once the basics are present.
		engineCfg := c.EngineConfig()
		if err := engineCfg.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// EngineConfig translates the server settings into a courseauth.Config. The
// logger is left for the caller to set.
func (c *Config) EngineConfig() courseauth.Config {
	cfg := courseauth.DefaultConfig()
	cfg.JWT.AccessSecret = []byte(c.Auth.AccessSecret)
	cfg.JWT.RefreshSecret = []byte(c.Auth.RefreshSecret)
	cfg.JWT.AccessTTL = c.Auth.AccessTTL
	cfg.JWT.RefreshTTL = c.Auth.RefreshTTL
	cfg.JWT.Issuer = c.Auth.Issuer
	cfg.Session.RedisPrefix = c.Store.SessionPrefix

	cfg.Security.RevokeOnRefreshReuse = c.Auth.RevokeOnRefreshReuse
	cfg.Security.EnableLoginThrottle = c.RateLimit.LoginEnabled
	cfg.Security.MaxLoginFailures = c.RateLimit.MaxLoginFailures
	cfg.Security.LoginCooldown = c.RateLimit.LoginCooldown
	cfg.Security.EnableRefreshThrottle = c.RateLimit.RefreshEnabled
	cfg.Security.MaxRefreshAttempts = c.RateLimit.MaxRefreshAttempts
	cfg.Security.RefreshWindow = c.RateLimit.RefreshWindow

	cfg.Audit.Enabled = c.Audit.Enabled
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Enabled
	return cfg
}

// NewLogger builds the process logger described by c.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
