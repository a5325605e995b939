package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/docker"
	httpx "github.com/splax/launchpad/internal/http"
	"github.com/splax/launchpad/internal/identity"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/ledger/postgres"
	"github.com/splax/launchpad/internal/remote"
	"github.com/splax/launchpad/internal/service/dashboard"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := config.Validate(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dc := cfg.Deployer
	executor, err := remote.NewSSH(remote.SSHConfig{
		Host:           dc.RemoteHost,
		Port:           dc.SSHPort,
		User:           dc.RemoteUser,
		KeyPath:        dc.SSHKeyPath,
		KnownHostsPath: dc.SSHKnownHosts,
		DialTimeout:    dc.SSHDialTimeout,
		Timeout:        dc.ExecTimeout,
	}, log.With("component", "remote"))
	if err != nil {
		log.Error("failed to configure remote executor", "error", err)
		os.Exit(1)
	}
	defer executor.Close()

	engine, err := docker.New(func(ctx context.Context) (net.Conn, error) {
		return executor.DialUnix(ctx, dc.DockerSocket)
	})
	if err != nil {
		log.Error("failed to configure container engine client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	workspaces, err := workspace.New(dc.RemoteWorkdir)
	if err != nil {
		log.Error("invalid workspace root", "error", err)
		os.Exit(1)
	}

	store, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	led, err := ledger.Open(ctx, store, ledger.Options{
		MaxRecords: cfg.LedgerMaxRecords,
		Logger:     log.With("component", "ledger"),
	})
	if err != nil {
		log.Error("failed to load deployment ledger", "error", err)
		os.Exit(1)
	}

	resolver, err := identity.NewGitHub(identity.GitHubOptions{
		BaseURL:   cfg.GitHubAPIURL,
		CacheSize: cfg.IdentityCacheSize,
		CacheTTL:  cfg.IdentityCacheTTL,
		Logger:    log.With("component", "identity"),
	})
	if err != nil {
		log.Error("failed to configure identity provider", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(log.With("component", "events"))
	defer hub.Close()

	deploySvc := deploy.New(executor, engine, workspaces, led, hub, log.With("component", "deploy"), dc)
	dashboardSvc := dashboard.New(deploySvc, led, engine, cfg.AdminUser, log.With("component", "dashboard"))

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:      log,
		Control:     dashboardSvc,
		Identity:    resolver,
		Events:      hub,
		Limiter:     limiter,
		RateLimits:  httpx.RatePolicyFromConfig(cfg.RateLimits),
		DBHealth:    dbHealth,
		FrontendURL: cfg.FrontendURL,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "remote_host", dc.RemoteHost, "records", led.Len())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// Builds can run for minutes; in-flight pipelines get the build timeout to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), dc.BuildTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore picks the postgres store when DATABASE_URL is set and applies
// pending migrations; otherwise records live in memory only.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (ledger.Store, func(context.Context) error, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, deployment ledger is in-memory")
		return ledger.NewMemoryStore(), nil, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := migrate.New(pool, postgres.Migrations, postgres.MigrationsDir, log.With("component", "migrate"))
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	store := postgres.New(pool)
	return store, store.Ping, pool.Close, nil
}
