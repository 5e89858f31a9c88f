// Command courseauth-server is a reference HTTP server around courseauth.Engine.
//
// Configuration comes from an optional YAML file (-config) and COURSEAUTH_*
// environment variables. The memory backend needs no external services:
//
//	COURSEAUTH_ACCESS_SECRET=... COURSEAUTH_REFRESH_SECRET=... \
//	COURSEAUTH_SEED_DEMO_DATA=true COURSEAUTH_DEMO_PASSWORD=... \
//	  go run ./cmd/courseauth-server
//
//	curl -s -X POST localhost:8080/auth/login \
//	  -d '{"email":"teacher@example.com","password":"..."}'
//	curl -s localhost:8080/courses/advanced-go -H "Authorization: Bearer <accessToken>"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/internal/serverconfig"
	promexport "github.com/MrEthical07/courseauth/metrics/export/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := serverconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courseauth-server: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("courseauth: server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *serverconfig.Config, logger *slog.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	engine, err := buildEngine(cfg, b, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, w := range engine.SecurityReport().LintWarnings {
		logger.Warn("courseauth: config lint", "code", w)
	}

	srv := &server{engine: engine, logger: logger}
	if cfg.Metrics.Enabled {
		collector, err := promexport.NewCollector(engine)
		if err != nil {
			return err
		}
		if srv.metrics, err = collector.Handler(); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.routes(cfg.Metrics.Path),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("courseauth: listening", "addr", cfg.Server.Addr, "backend", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildEngine(cfg *serverconfig.Config, b *backends, logger *slog.Logger) (*courseauth.Engine, error) {
	ec := cfg.EngineConfig()
	ec.Logger = logger

	builder := courseauth.New().
		WithConfig(ec).
		WithCourseStore(b.courses).
		WithUserProvider(b.users)
	if b.sessions != nil {
		builder.WithSessionStore(b.sessions)
	}
	if b.redis != nil {
		builder.WithRedis(b.redis)
	}
	if cfg.Audit.Output == "stdout" {
		builder.WithAuditSink(courseauth.NewJSONWriterSink(os.Stdout))
	}
	return builder.Build()
}
