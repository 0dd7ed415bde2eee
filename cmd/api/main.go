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

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/app/migrate"
	httpx "github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/http"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository/postgres"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/auth"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/lease"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/pairing"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/registry"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/ws"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/config"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

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
	poolHub := ws.NewHub()

	authSvc := auth.New(repo, log, cfg)
	registrySvc := registry.New(repo, repo, log)
	pairingSvc := pairing.New(repo, repo, log, cfg.AllowMultiDevice)
	leaseSvc := lease.New(repo, poolHub, log, cfg.SessionDurations)

	sweeper := lease.NewSweeper(leaseSvc, log, cfg.SweepInterval)
	go sweeper.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, registrySvc, pairingSvc, leaseSvc, poolHub, limiter, cfg.AgentToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
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
