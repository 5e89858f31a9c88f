package courseauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/courseauth/internal/audit"
	"github.com/MrEthical07/courseauth/internal/flows"
	"github.com/MrEthical07/courseauth/internal/rate"
	"github.com/MrEthical07/courseauth/jwt"
	"github.com/MrEthical07/courseauth/password"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/MrEthical07/courseauth/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be used for one Build only.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	sessions session.Store
	courses  permission.Store
	grants   permission.GrantWriter

	userProvider UserProvider
	auditSink    AuditSink

	built bool
}

// New returns an empty Builder. Build fills unset fields from DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig sets the engine configuration. Build works on a copy.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client for rate limiting. When no session store is
// set, Build also keeps sessions in this Redis.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSessionStore sets the session backend.
func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessions = store
	return b
}

// WithCourseStore sets the course, grant and enrollment backend. Stores that
// also implement permission.GrantWriter enable GrantTeacher and RevokeTeacher.
func (b *Builder) WithCourseStore(store permission.Store) *Builder {
	b.courses = store
	if w, ok := store.(permission.GrantWriter); ok {
		b.grants = w
	}
	return b
}

// WithUserProvider sets the user lookup Login and ChangePassword rely on.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithAuditSink sets where audit events go when auditing is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger overrides Config.Logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.config.Logger = logger
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, ErrBuilderConsumed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if b.courses == nil {
		return nil, errors.New("course store required")
	}
	courses, err := permission.NewEngineFromStore(b.courses)
	if err != nil {
		return nil, err
	}

	sessions := b.sessions
	if sessions == nil {
		if b.redis == nil {
			return nil, errors.New("session store or redis client required")
		}
		sessions = session.NewRedisStore(b.redis, cfg.Session.RedisPrefix, session.WithRedisClock(cfg.Now))
	}

	var limiter *rate.Limiter
	if cfg.Security.EnableLoginThrottle || cfg.Security.EnableRefreshThrottle {
		if b.redis == nil {
			return nil, errors.New("rate limiting requires a redis client")
		}
		rc := rate.Config{
			Prefix:            cfg.Security.RateLimitPrefix,
			ThrottleLoginByIP: cfg.Security.ThrottleLoginByIP,
			LoginWindow:       cfg.Security.LoginCooldown,
			RefreshWindow:     cfg.Security.RefreshWindow,
		}
		if cfg.Security.EnableLoginThrottle {
			rc.MaxLoginFailures = cfg.Security.MaxLoginFailures
		}
		if cfg.Security.EnableRefreshThrottle {
			rc.MaxRefreshAttempts = cfg.Security.MaxRefreshAttempts
		}
		limiter = rate.New(b.redis, rc)
	}

	codec, err := jwt.NewCodec(jwt.Config{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		Issuer:        cfg.JWT.Issuer,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(cfg.Password.hasherConfig())
	if err != nil {
		return nil, err
	}

	sink := b.auditSink
	if sink == nil {
		sink = internalaudit.NewSlogSink(cfg.Logger)
	}

	e := &Engine{
		config:       cfg,
		logger:       cfg.Logger,
		now:          cfg.Now,
		codec:        codec,
		sessions:     sessions,
		courses:      courses,
		grants:       b.grants,
		userProvider: b.userProvider,
		hasher:       hasher,
		limiter:      limiter,
		metrics:      NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink),
	}

	if b.userProvider != nil {
		// Unknown emails are checked against this hash so they cost one
		// argon2id run like a wrong password does.
		e.dummyHash, err = hasher.Hash("courseauth-unused-" + time.Now().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
	}

	e.flows = e.buildFlowDeps()
	b.built = true
	return e, nil
}

func (e *Engine) buildFlowDeps() flows.Deps {
	warn := func(msg string, args ...any) { e.logger.Warn(msg, args...) }

	deps := flows.Deps{
		Authenticate: flows.AuthenticateDeps{
			VerifyAccess: e.codec.VerifyAccess,
			Sessions:     e.sessions,
		},
		Refresh: flows.RefreshDeps{
			VerifyRefresh: e.codec.VerifyRefresh,
			AcceptClaims:  knownRole,
			Issue:         e.codec.Issue,
			Sessions:      e.sessions,
			RevokeOnReuse: e.config.Security.RevokeOnRefreshReuse,
			Warn:          warn,
		},
		Logout: flows.LogoutDeps{
			Sessions: e.sessions,
		},
		Login: flows.LoginDeps{
			VerifyPassword: e.hasher.Verify,
			DummyHash:      e.dummyHash,
			UserNotFound:   ErrUserNotFound,
			Issue:          e.codec.Issue,
			Sessions:       e.sessions,
			Warn:           warn,
		},
	}

	if e.limiter != nil {
		if e.config.Security.EnableLoginThrottle {
			deps.Login.RateLimiter = e.limiter
		}
		if e.config.Security.EnableRefreshThrottle {
			deps.Refresh.RateLimiter = e.limiter
		}
	}

	if e.userProvider != nil {
		up := e.userProvider
		deps.Login.FindUser = func(ctx context.Context, email string) (flows.LoginUser, error) {
			u, err := up.GetUserByEmail(ctx, email)
			if err != nil {
				return flows.LoginUser{}, err
			}
			if !u.Role.Valid() {
				e.logger.Warn("courseauth: user has unknown role", "user_id", u.ID, "role", u.Role.String())
				return flows.LoginUser{}, fmt.Errorf("%w: unknown role %q", ErrUserNotFound, u.Role)
			}
			return flows.LoginUser{ID: u.ID, Email: u.Email, Role: u.Role.String(), PasswordHash: u.PasswordHash}, nil
		}
		if e.config.Password.UpgradeOnLogin {
			deps.Login.NeedsRehash = e.hasher.NeedsRehash
			deps.Login.HashPassword = e.hasher.Hash
			deps.Login.UpdatePasswordHash = up.UpdatePasswordHash
		}
	}
	return deps
}

func knownRole(c *jwt.Claims) bool {
	_, ok := permission.ParseRole(c.Role)
	return ok
}
