package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/internal/serverconfig"
	"github.com/MrEthical07/courseauth/password"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/MrEthical07/courseauth/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// backends holds the stores handed to the engine builder. A nil sessions
// field means the builder keeps sessions in redis.
type backends struct {
	sessions session.Store
	courses  permission.Store
	users    courseauth.UserProvider
	redis    redis.UniversalClient

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *serverconfig.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	throttled := cfg.RateLimit.LoginEnabled || cfg.RateLimit.RefreshEnabled

	switch cfg.Store.Backend {
	case serverconfig.BackendMemory:
		users, courses := newMemoryUsers(), permission.NewMemoryStore()
		b.users, b.courses = users, courses
		b.sessions = session.NewMemoryStore(time.Now)
		if throttled {
			mr, err := miniredis.Run()
			if err != nil {
				return nil, fmt.Errorf("start in-process redis: %w", err)
			}
			b.closers = append(b.closers, mr.Close)
			b.attachRedis(mr.Addr(), "", 0)
			logger.Info("courseauth: rate limiting on in-process redis", "addr", mr.Addr())
		}
		if cfg.Store.SeedDemoData {
			if err := seedDemoData(users, courses, cfg.EngineConfig().Password); err != nil {
				b.Close()
				return nil, err
			}
			logger.Warn("courseauth: demo users seeded", "emails", demoEmails)
		}

	case serverconfig.BackendRedis:
		users, courses := newMemoryUsers(), permission.NewMemoryStore()
		b.users, b.courses = users, courses
		b.attachRedis(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		if cfg.Store.SeedDemoData {
			if err := seedDemoData(users, courses, cfg.EngineConfig().Password); err != nil {
				b.Close()
				return nil, err
			}
			logger.Warn("courseauth: demo users seeded", "emails", demoEmails)
		}

	case serverconfig.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}

		sessions := session.NewPostgresStore(pool, time.Now)
		courses := permission.NewPostgresStore(pool)
		users := &postgresUsers{db: pool}
		if cfg.Store.Migrate {
			for name, migrate := range map[string]func(context.Context) error{
				"sessions": sessions.Migrate,
				"courses":  courses.Migrate,
				"users":    users.migrate,
			} {
				if err := migrate(ctx); err != nil {
					b.Close()
					return nil, fmt.Errorf("migrate %s: %w", name, err)
				}
			}
		}
		b.sessions, b.courses, b.users = sessions, courses, users

		if cfg.Store.RedisAddr != "" {
			b.attachRedis(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		}
		if cfg.Store.SeedDemoData {
			logger.Warn("courseauth: seed_demo_data is ignored by the postgres backend")
		}

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return b, nil
}

func (b *backends) attachRedis(addr, pw string, db int) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: pw, DB: db})
	b.redis = client
	b.closers = append(b.closers, func() { _ = client.Close() })
}

var demoEmails = []string{"admin@example.com", "teacher@example.com", "student@example.com"}

// seedDemoData creates one user per role and two courses owned by the teacher.
// The shared password comes from COURSEAUTH_DEMO_PASSWORD.
func seedDemoData(users *memoryUsers, courses *permission.MemoryStore, pwCfg courseauth.PasswordConfig) error {
	pw := os.Getenv("COURSEAUTH_DEMO_PASSWORD")
	if len(pw) < password.MinLength {
		return fmt.Errorf("seed_demo_data needs COURSEAUTH_DEMO_PASSWORD of at least %d bytes", password.MinLength)
	}
	hasher, err := password.NewHasher(password.Config{
		Memory:      pwCfg.Memory,
		Time:        pwCfg.Time,
		Parallelism: pwCfg.Parallelism,
		SaltLength:  pwCfg.SaltLength,
		KeyLength:   pwCfg.KeyLength,
	})
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(pw)
	if err != nil {
		return err
	}

	users.put(courseauth.UserRecord{ID: "demo-admin", Email: demoEmails[0], Role: permission.RoleAdmin, PasswordHash: hash})
	users.put(courseauth.UserRecord{ID: "demo-teacher", Email: demoEmails[1], Role: permission.RoleTeacher, PasswordHash: hash})
	users.put(courseauth.UserRecord{ID: "demo-student", Email: demoEmails[2], Role: permission.RoleStudent, PasswordHash: hash})

	courses.PutCourse(permission.Course{ID: "intro-go", InstructorID: "demo-teacher", Status: permission.CoursePublished})
	courses.PutCourse(permission.Course{ID: "advanced-go", InstructorID: "demo-teacher", Status: permission.CourseDraft})
	courses.Enroll("advanced-go", "demo-student", "active")
	return nil
}
