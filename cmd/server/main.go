package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "inventory-ledger/internal/adapters/web"
	"inventory-ledger/internal/config"
	"inventory-ledger/internal/core"
	"inventory-ledger/internal/db"
	"inventory-ledger/internal/logging"
	"inventory-ledger/internal/metrics"
	"inventory-ledger/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	m := metrics.New(metrics.DefaultConfig())
	store := postgres.NewStore(pool, cfg.LockTimeout)
	svc := core.NewInventoryService(store, core.ServiceConfig{
		DefaultMethod:   cfg.DefaultMethod,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	}, logger, m)

	handler := webAdapter.NewHandler(svc, webAdapter.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        m,
		Ping:           pool.Ping,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.ServerPort, "default_valuation_method", cfg.DefaultMethod)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
