package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailqueue/internal/app"
	"mailqueue/internal/config"
	"mailqueue/internal/logging"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
	"mailqueue/internal/session"
	"mailqueue/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {

	// ------------------------------------------------
	// Config + Logger
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Database + Pipeline
	// ------------------------------------------------
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()
	metricsServer := metrics.Server(cfg.MetricsPort)

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	// ------------------------------------------------
	// Worker
	// ------------------------------------------------
	registry := session.NewRegistry(a.Store, logger,
		session.WithStaleAfter(cfg.StaleAfter),
		session.WithMetadata(map[string]string{
			"environment": cfg.Environment,
			"transport":   cfg.EmailTransport,
		}),
	)

	w := worker.New(registry, a.Queue, worker.NewNotifier(logger), worker.Config{
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	if err := w.Start(ctx); err != nil {
		var dup *models.DuplicateWorkerError
		if errors.As(err, &dup) {
			logger.Error("another worker is already running", zap.Error(err))
		} else {
			logger.Error("worker startup failed", zap.Error(err))
		}
		return 1
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-w.Lost():
		code = 1
	}

	if !w.Stop(context.Background()) {
		code = 1
	}
	return code
}
