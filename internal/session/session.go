package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
)

// Session is the handle of the worker's own session row. Apart from
// MarkRunning every method is best-effort: failures are logged and counted,
// never returned. A nil *Session is a no-op.
type Session struct {
	reg        *Registry
	id         string
	instanceID string
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Session) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// MarkRunning completes startup.
func (s *Session) MarkRunning(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.reg.store.SetSessionStatus(ctx, s.id, models.SessionRunning, s.reg.now()); err != nil {
		return err
	}
	metrics.LastHeartbeat.SetToCurrentTime()
	s.reg.log.Info("worker session running", zap.String("session_id", s.id))
	return nil
}

// Heartbeat refreshes the session's liveness. It reports false once the
// session has been reclaimed by another process or removed; transient store
// errors still report true.
func (s *Session) Heartbeat(ctx context.Context) bool {
	if s == nil {
		return true
	}
	status, err := s.reg.store.TouchSession(ctx, s.id, s.reg.now())
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		s.reg.log.Error("worker session disappeared", zap.String("session_id", s.id))
		return false
	case err != nil:
		s.fail("heartbeat", err)
		return true
	case status.Terminal():
		s.reg.log.Error("worker session was reclaimed",
			zap.String("session_id", s.id),
			zap.String("status", string(status)),
		)
		return false
	}
	metrics.LastHeartbeat.SetToCurrentTime()
	return true
}

func (s *Session) SetCurrentJob(ctx context.Context, job *models.Job) {
	if s == nil || job == nil {
		return
	}
	s.fail("set_job", s.reg.store.SetSessionJob(ctx, s.id, job.ID, job.Subject, s.reg.now()))
}

func (s *Session) ClearCurrentJob(ctx context.Context) {
	if s == nil {
		return
	}
	s.fail("clear_job", s.reg.store.SetSessionJob(ctx, s.id, "", "", s.reg.now()))
}

// RecordOutcome bumps jobs_processed or jobs_failed once per finished attempt.
func (s *Session) RecordOutcome(ctx context.Context, failed bool) {
	if s == nil {
		return
	}
	s.fail("record_outcome", s.reg.store.IncrementSessionCounter(ctx, s.id, failed, s.reg.now()))
}

func (s *Session) MarkStopping(ctx context.Context) {
	if s == nil {
		return
	}
	s.fail("stopping", s.reg.store.SetSessionStatus(ctx, s.id, models.SessionStopping, s.reg.now()))
}

func (s *Session) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	if err := s.reg.store.SetSessionStatus(ctx, s.id, models.SessionStopped, s.reg.now()); err != nil {
		s.fail("stop", err)
		return
	}
	s.reg.log.Info("worker session stopped", zap.String("session_id", s.id))
}

// Stats returns the current session row.
func (s *Session) Stats(ctx context.Context) (*models.WorkerSession, error) {
	if s == nil {
		return nil, models.ErrSessionNotFound
	}
	return s.reg.store.GetSession(ctx, s.id)
}

func (s *Session) fail(op string, err error) {
	if err == nil {
		return
	}
	metrics.SessionErrors.WithLabelValues(op).Inc()
	s.reg.log.Warn("session bookkeeping failed",
		zap.String("op", op),
		zap.String("session_id", s.id),
		zap.Error(err),
	)
}
