package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/sibusisod/tutorhive-backend/internal/api"
	"github.com/sibusisod/tutorhive-backend/internal/config"
	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/notify"
	"github.com/sibusisod/tutorhive-backend/internal/store"
	"github.com/sibusisod/tutorhive-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port)

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	st := store.New(pool)

	// ── Transport ─────────────────────────────────────────────────────────────
	var sender email.Sender
	if cfg.ResendAPIKey != "" {
		sender = email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName, cfg.BaseURL)
		logger.Info("email: using Resend", "from", cfg.EmailFromAddr)
	} else {
		sender = email.NewConsoleSender(logger)
		logger.Info("email: using console sender (no RESEND_API_KEY)")
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	gate := notify.NewGate(st, notify.GateConfig{
		Ceilings: map[notify.Kind]int{
			notify.KindSessionReport: cfg.SessionReportCeiling,
			notify.KindWeeklyDigest:  cfg.WeeklyDigestCeiling,
		},
		StaleAfter: cfg.LedgerStaleAfter,
		FailClosed: cfg.PrefsFailClosed,
	}, logger, nil)

	service := notify.NewService(gate, st, sender, cfg.TransportTimeout, logger, nil)

	// ── Digest worker + janitor ───────────────────────────────────────────────
	runner := worker.NewRunner(service, st, worker.EmptyDigestBuilder{}, st, worker.Config{
		Workers:         cfg.DigestWorkers,
		CronSpec:        cfg.DigestCronSpec,
		JanitorInterval: cfg.JanitorInterval,
		SentRetention:   cfg.SentRetention,
		FailedRetention: cfg.FailedRetention,
		ThrottleGrace:   cfg.ThrottleGrace,
	}, logger, nil)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(service, st, api.Config{
		BaseURL: cfg.BaseURL,
		Env:     cfg.Env,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Root context cancelled by OS signal. Worker and HTTP server both respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runner.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until either a signal arrives or the server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openDB opens the connection pool and verifies it is reachable before any
// component depends on it.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
