// Package worker runs the single-writer poll loop that drains the newsletter
// queue one job at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/models"
	"mailqueue/internal/session"
)

type Processor interface {
	ProcessNext(ctx context.Context, sess *session.Session) (*models.ProcessResult, error)
}

type Config struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Worker owns a session for its lifetime. Jobs never run concurrently: each
// poll cycle finishes its job before the next cycle may claim another.
type Worker struct {
	registry *session.Registry
	proc     Processor
	notifier *Notifier
	log      *zap.Logger
	cfg      Config

	sess       *session.Session
	processing atomic.Bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
	beatDone  chan struct{}
	beatStop  chan struct{}
	lost      chan struct{}
	lostOnce  sync.Once
	startOnce sync.Once
	shutOnce  sync.Once
	drained   bool
}

func New(registry *session.Registry, proc Processor, notifier *Notifier, cfg Config, log *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	return &Worker{
		registry: registry,
		proc:     proc,
		notifier: notifier,
		log:      log.Named("worker"),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		beatDone: make(chan struct{}),
		beatStop: make(chan struct{}),
		lost:     make(chan struct{}),
	}
}

// Start registers the worker session and launches the poll and heartbeat
// loops. Errors are fatal; *models.DuplicateWorkerError means another worker
// holds the queue.
func (w *Worker) Start(ctx context.Context) error {
	err := errors.New("worker already started")
	w.startOnce.Do(func() { err = w.start(ctx) })
	return err
}

func (w *Worker) start(ctx context.Context) error {
	sess, err := w.registry.Start(ctx)
	if err != nil {
		return err
	}
	if err := sess.MarkRunning(ctx); err != nil {
		sess.Stop(ctx)
		return err
	}
	w.sess = sess

	w.log.Info("worker started",
		zap.String("session_id", sess.ID()),
		zap.String("instance_id", sess.InstanceID()),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	w.notifier.Ready()

	go w.heartbeatLoop()
	go w.pollLoop()
	return nil
}

// Session returns the worker's own session handle, nil before Start.
func (w *Worker) Session() *session.Session {
	return w.sess
}

// Lost is closed when the worker's session was reclaimed by another process.
// The worker stops claiming jobs; the caller is expected to exit.
func (w *Worker) Lost() <-chan struct{} {
	return w.lost
}

// Processing reports whether a job is in flight.
func (w *Worker) Processing() bool {
	return w.processing.Load()
}

// Stop marks the session stopping, halts polling and waits up to the
// shutdown timeout for the in-flight job before marking the session stopped.
// It reports whether the drain finished in time.
func (w *Worker) Stop(ctx context.Context) bool {
	if w.sess == nil {
		return true
	}
	w.shutOnce.Do(func() { w.drained = w.shutdown(ctx) })
	return w.drained
}

func (w *Worker) shutdown(ctx context.Context) bool {
	w.log.Info("worker stopping", zap.Bool("job_in_flight", w.Processing()))
	w.notifier.Stopping()
	w.sess.MarkStopping(ctx)
	w.halt()

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()

	drained := true
	select {
	case <-w.loopDone:
	case <-timer.C:
		drained = false
		w.log.Warn("shutdown timeout reached, abandoning in-flight job",
			zap.Duration("timeout", w.cfg.ShutdownTimeout),
		)
	}

	close(w.beatStop)
	<-w.beatDone

	w.sess.Stop(ctx)

	fields := []zap.Field{zap.Bool("drained", drained)}
	if ws, err := w.sess.Stats(ctx); err == nil {
		fields = append(fields,
			zap.String("session_id", ws.ID),
			zap.String("status", string(ws.Status)),
			zap.Int("jobs_processed", ws.JobsProcessed),
			zap.Int("jobs_failed", ws.JobsFailed),
			zap.Duration("uptime", time.Since(ws.StartedAt)),
		)
	} else {
		w.log.Warn("failed to read session stats", zap.Error(err))
	}
	w.log.Info("worker stopped", fields...)
	return drained
}

func (w *Worker) halt() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// ----------------------------
// Poll loop
// ----------------------------

func (w *Worker) pollLoop() {
	defer close(w.loopDone)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.cycle()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

// cycle processes at most one job. Processing is detached from shutdown so
// that a stop request never interrupts a job halfway through.
func (w *Worker) cycle() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	defer w.processing.Store(false)

	ctx := context.Background()
	res, err := w.proc.ProcessNext(ctx, w.sess)
	switch {
	case err != nil:
		var stateErr *models.InvalidStateError
		if errors.As(err, &stateErr) {
			w.log.Warn("job claimed elsewhere", zap.Error(err))
			return
		}
		w.log.Error("poll cycle failed", zap.Error(err))
	case res == nil:
		w.log.Debug("no pending jobs")
	case res.Success:
		w.log.Info("job processed",
			zap.String("job_id", res.JobID),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
		)
	default:
		w.log.Warn("job attempt failed",
			zap.String("job_id", res.JobID),
			zap.String("error", res.Error),
		)
	}
}

// ----------------------------
// Heartbeat loop
// ----------------------------

// heartbeatLoop beats once per poll interval, independent of job progress,
// until Stop has finished draining.
func (w *Worker) heartbeatLoop() {
	defer close(w.beatDone)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.beatStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PollInterval)
			alive := w.sess.Heartbeat(ctx)
			cancel()

			if !alive {
				w.lostOnce.Do(func() {
					w.log.Error("worker session lost, no longer claiming jobs",
						zap.String("session_id", w.sess.ID()),
					)
					close(w.lost)
				})
				w.halt()
				continue
			}
			w.notifier.Watchdog()
		}
	}
}
