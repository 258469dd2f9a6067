// Package session implements the single-live-worker protocol: a stale sweep,
// an exclusivity check and a storage-guarded session insert at startup,
// followed by best-effort heartbeats and bookkeeping.
package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/db"
	"mailqueue/internal/models"
)

const DefaultStaleAfter = 2 * time.Minute

type Registry struct {
	store      db.SessionStore
	log        *zap.Logger
	now        func() time.Time
	staleAfter time.Duration
	hostname   string
	pid        int
	metadata   map[string]string
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

func WithIdentity(hostname string, pid int) Option {
	return func(r *Registry) {
		r.hostname = hostname
		r.pid = pid
	}
}

func WithMetadata(md map[string]string) Option {
	return func(r *Registry) { r.metadata = md }
}

func NewRegistry(store db.SessionStore, log *zap.Logger, opts ...Option) *Registry {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	r := &Registry{
		store:      store,
		log:        log.Named("session"),
		now:        func() time.Time { return time.Now().UTC() },
		staleAfter: DefaultStaleAfter,
		hostname:   hostname,
		pid:        os.Getpid(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers a new session in the starting state. Any failure here is
// fatal to the caller; a *models.DuplicateWorkerError means another worker is
// alive.
func (r *Registry) Start(ctx context.Context) (*Session, error) {
	now := r.now()

	swept, err := r.store.SweepStaleSessions(ctx, now.Add(-r.staleAfter), now)
	if err != nil {
		return nil, fmt.Errorf("sweep stale sessions: %w", err)
	}
	if swept > 0 {
		r.log.Warn("marked stale worker sessions as crashed", zap.Int("count", swept))
	}

	active, err := r.store.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("check active sessions: %w", err)
	}
	if len(active) > 0 {
		return nil, &models.DuplicateWorkerError{Session: *active[0]}
	}

	ws := &models.WorkerSession{
		InstanceID:      fmt.Sprintf("%s-%d-%d", r.hostname, r.pid, now.UnixMilli()),
		Hostname:        r.hostname,
		PID:             r.pid,
		Status:          models.SessionStarting,
		LastHeartbeatAt: now,
		StartedAt:       now,
		Metadata:        r.metadata,
	}
	// The insert is guarded by a unique index on live sessions, so a racing
	// worker that passed the check above still loses here.
	if err := r.store.CreateSession(ctx, ws); err != nil {
		return nil, err
	}

	r.log.Info("worker session created",
		zap.String("session_id", ws.ID),
		zap.String("instance_id", ws.InstanceID),
	)
	return &Session{reg: r, id: ws.ID, instanceID: ws.InstanceID}, nil
}
