package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteforge/siteforge/internal/app/migrate"
	"github.com/siteforge/siteforge/internal/buildlog"
	httpx "github.com/siteforge/siteforge/internal/http"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/provider/container"
	"github.com/siteforge/siteforge/internal/provider/github"
	"github.com/siteforge/siteforge/internal/provider/hostly"
	"github.com/siteforge/siteforge/internal/repository/postgres"
	"github.com/siteforge/siteforge/internal/service/environment"
	"github.com/siteforge/siteforge/internal/service/pipeline"
	"github.com/siteforge/siteforge/internal/service/poller"
	"github.com/siteforge/siteforge/internal/service/splittest"
	"github.com/siteforge/siteforge/internal/service/status"
	"github.com/siteforge/siteforge/internal/service/webhook"
	"github.com/siteforge/siteforge/internal/ws"
	"github.com/siteforge/siteforge/pkg/analytics"
	"github.com/siteforge/siteforge/pkg/apikey"
	"github.com/siteforge/siteforge/pkg/config"
	"github.com/siteforge/siteforge/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	logs := buildlog.New(repo, hub, log)
	emitter := analytics.NewEmitter(cfg.AnalyticsURL, cfg.AnalyticsToken, nil)
	issuer := apikey.NewIssuer(cfg.APIKeySecret, cfg.APIKeyTTL)

	registry := provider.NewRegistry(log)
	registry.Register(github.New(ctx, cfg.GitHubToken, cfg.GitHubOwner, cfg.RepositoryTransferTo, repo, log))
	registry.Register(container.New(cfg.RunnerURL, cfg.RunnerAuthToken, issuer, repo, cfg.ProviderCallTimeout, log))
	registry.Register(hostly.New(cfg.HostingURL, cfg.HostingAuthToken, repo, cfg.ProviderCallTimeout, log))

	applier := status.NewApplier(repo, registry, logs, emitter, log)
	envs := environment.New(repo, repo, registry, applier, log, cfg.EnvironmentQuota, cfg.EnvironmentFanOut)
	splits := splittest.New(repo, repo, registry, envs, emitter, log)
	applier.SetContinuer(splits)

	pl := pipeline.New(repo, repo, repo, registry, logs, emitter, cfg, log)
	webhooks := webhook.New(repo, log, cfg)

	watch := poller.New(repo, repo, registry, applier, log, cfg.PollInterval, cfg.PollBurst, cfg.PollWorkers)
	go watch.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, pl, envs, splits, applier, registry, logs, webhooks, repo, repo, issuer, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
