// Package app wires the shared components for both commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/queue"
	"mailqueue/internal/recipients"
)

type App struct {
	Config     *config.Config
	Log        *zap.Logger
	Store      db.Store
	Transport  email.Transport
	Dispatcher *email.Dispatcher
	Resolver   *recipients.Resolver
	Queue      *queue.Processor
}

// Build opens the store and constructs the processing pipeline.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseConnectTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	transport, err := NewTransport(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	resolver := recipients.NewResolver(store, log)
	dispatcher := email.NewDispatcher(transport, cfg.BatchDelay, log)
	proc := queue.NewProcessor(store, store, resolver, dispatcher, queue.Options{
		From:       cfg.EmailFrom,
		ChunkSize:  cfg.MaxBatchSize,
		MaxRetries: cfg.MaxRetries,
	}, log)

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Transport:  transport,
		Dispatcher: dispatcher,
		Resolver:   resolver,
		Queue:      proc,
	}, nil
}

func NewTransport(cfg *config.Config, log *zap.Logger) (email.Transport, error) {
	switch cfg.EmailTransport {
	case "resend":
		return email.NewResend(cfg.ResendAPIKey, cfg.ResendRateLimit, log), nil
	case "smtp":
		return email.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, log), nil
	default:
		return nil, fmt.Errorf("unknown email transport: %s", cfg.EmailTransport)
	}
}

func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("closing store", zap.Error(err))
	}
}
