// Package db persists jobs, worker sessions and distribution lists.
//
// Two backends implement the same contracts: PostgreSQL through pgxpool for
// production and SQLite for local development and tests. Timestamps are
// always supplied by the caller so that liveness decisions use a single clock.
package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/models"
)

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)

	// FindJobs returns one page of the jobs matching f and the total number
	// of matches.
	FindJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error)

	// NextPendingJob returns the oldest claimable job or nil. It is a
	// point-in-time read; ownership is taken by the conditional
	// UpdateJobProgress that follows it.
	NextPendingJob(ctx context.Context, now time.Time) (*models.Job, error)

	UpdateJobProgress(ctx context.Context, id string, p Progress) error
	IncrementRetryCount(ctx context.Context, id string, at time.Time) error
	CancelJob(ctx context.Context, id string, at time.Time) error
	JobStats(ctx context.Context) (models.QueueStats, error)
}

type SessionStore interface {
	SweepStaleSessions(ctx context.Context, cutoff, at time.Time) (int, error)
	ActiveSessions(ctx context.Context) ([]*models.WorkerSession, error)
	CreateSession(ctx context.Context, s *models.WorkerSession) error

	// SetSessionStatus never leaves stopped or crashed; such sessions and
	// unknown ids yield ErrSessionNotFound.
	SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error

	// TouchSession refreshes the heartbeat of a non-terminal session and
	// reports the status the session has after the call.
	TouchSession(ctx context.Context, id string, at time.Time) (models.SessionStatus, error)

	// SetSessionJob and IncrementSessionCounter leave stopped and crashed
	// sessions untouched and yield ErrSessionNotFound for them.
	SetSessionJob(ctx context.Context, id, jobID, subject string, at time.Time) error
	IncrementSessionCounter(ctx context.Context, id string, failed bool, at time.Time) error
	GetSession(ctx context.Context, id string) (*models.WorkerSession, error)
	ListSessions(ctx context.Context, limit int) ([]*models.WorkerSession, error)
}

type ContactStore interface {
	// ContactsForLists returns active contacts of active lists. A contact
	// that belongs to several lists is returned once per membership.
	ContactsForLists(ctx context.Context, listIDs []string) ([]models.Contact, error)

	CreateList(ctx context.Context, list *models.DistributionList) error
	GetList(ctx context.Context, id string) (*models.DistributionList, error)
	ImportContacts(ctx context.Context, listID string, contacts []models.Contact) (int, error)
}

type Store interface {
	JobStore
	SessionStore
	ContactStore

	Ping(ctx context.Context) error
	Close() error
}

// Progress describes one job progress update.
//
// Moving to processing with Sent == 0 stamps started_at once per attempt,
// terminal statuses stamp completed_at. A non-empty From makes the update
// conditional on the current status.
type Progress struct {
	Status       models.JobStatus
	Sent         int
	Failed       int
	Total        *int
	ErrorMessage string
	From         []models.JobStatus
	At           time.Time
}

// JobFilter selects jobs by status. ByFinish orders newest finished first
// (completed_at, falling back to updated_at); otherwise jobs come in queue
// order, oldest created first.
type JobFilter struct {
	Statuses []models.JobStatus
	Limit    int
	Offset   int
	ByFinish bool
}

func Open(ctx context.Context, driver, url string, connectTimeout time.Duration, log *zap.Logger) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, url, connectTimeout, log)
	case "sqlite":
		return NewSQLite(ctx, url, log)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}
}

// ListLimit bounds list queries; non-positive means 50.
func ListLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
