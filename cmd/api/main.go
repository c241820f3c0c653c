package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/agent/internal/app/migrate"
	httpx "github.com/splax/agent/internal/http"
	"github.com/splax/agent/internal/repository"
	"github.com/splax/agent/internal/repository/postgres"
	"github.com/splax/agent/internal/repository/sqlite"
	"github.com/splax/agent/internal/service/auth"
	"github.com/splax/agent/internal/ws"
	"github.com/splax/agent/pkg/config"
	"github.com/splax/agent/pkg/logger"
)

// storage is the repository pair plus its health probe and cleanup.
type storage struct {
	users   repository.UserRepository
	devices repository.DeviceCodeRepository
	health  func(context.Context) error
	close   func()
}

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise storage", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer store.close()

	hub := ws.NewHub()
	defer hub.Stop()

	authSvc := auth.New(store.users, store.devices, log, cfg).WithNotifier(hub)
	go authSvc.RunHousekeeping(ctx, cfg.HousekeepingInterval)

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

	router := httpx.NewRouter(log, authSvc, hub, limiter, store.health)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "driver", cfg.DatabaseDriver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

func openStorage(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (*storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver)) {
	case "sqlite":
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &storage{users: db, devices: db, health: db.Ping, close: func() { _ = db.Close() }}, nil
	case "", "postgres":
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		repo := postgres.New(pool)
		return &storage{users: repo, devices: repo, health: repo.Ping, close: pool.Close}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported DATABASE_DRIVER %q", config.ErrConfiguration, cfg.DatabaseDriver)
	}
}
