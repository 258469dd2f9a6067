// Package queue owns the newsletter job lifecycle: submission, cancellation,
// claiming, processing and the retry policy.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/models"
	"mailqueue/internal/session"
)

type Resolver interface {
	Resolve(ctx context.Context, listIDs []string) ([]models.Contact, error)
}

type Dispatcher interface {
	SendBatch(ctx context.Context, msgs []models.OutboundMessage, chunkSize int) models.BatchEmailResult
}

type Options struct {
	From       string
	ChunkSize  int
	MaxRetries int
	Now        func() time.Time
}

type Processor struct {
	jobs       db.JobStore
	sessions   db.SessionStore
	resolver   Resolver
	dispatcher Dispatcher
	log        *zap.Logger

	from       string
	chunkSize  int
	maxRetries int
	now        func() time.Time
}

func NewProcessor(jobs db.JobStore, sessions db.SessionStore, resolver Resolver, dispatcher Dispatcher, opts Options, log *zap.Logger) *Processor {
	p := &Processor{
		jobs:       jobs,
		sessions:   sessions,
		resolver:   resolver,
		dispatcher: dispatcher,
		log:        log.Named("queue"),
		from:       opts.From,
		chunkSize:  opts.ChunkSize,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
	if p.chunkSize <= 0 {
		p.chunkSize = email.DefaultChunkSize
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p
}

// JobRequest is a newsletter submission.
type JobRequest struct {
	Subject     string     `json:"subject"`
	HTMLContent string     `json:"html_content"`
	TextContent string     `json:"text_content,omitempty"`
	ListIDs     []string   `json:"list_ids"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
}

func (r JobRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(r.HTMLContent) == "" {
		problems = append(problems, "html_content is required")
	}
	if len(r.ListIDs) == 0 {
		problems = append(problems, "at least one list id is required")
	}
	for _, id := range r.ListIDs {
		if strings.TrimSpace(id) == "" {
			problems = append(problems, "list ids must not be empty")
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidJob, strings.Join(problems, "; "))
	}
	return nil
}

func (p *Processor) CreateJob(ctx context.Context, req JobRequest) (*models.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	job := &models.Job{
		Subject:     strings.TrimSpace(req.Subject),
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		ListIDs:     dedupeIDs(req.ListIDs),
		Status:      models.JobPending,
		MaxRetries:  p.maxRetries,
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   p.now(),
	}
	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	p.log.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("subject", job.Subject),
		zap.Strings("list_ids", job.ListIDs),
	)
	return job, nil
}

func (p *Processor) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return p.jobs.GetJob(ctx, id)
}

func (p *Processor) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidJob, status)
	}
	return p.jobs.ListJobs(ctx, status, limit)
}

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
	maxActiveJobs       = 200
)

// ActiveJobs returns pending and processing jobs in queue order.
func (p *Processor) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	jobs, _, err := p.jobs.FindJobs(ctx, db.JobFilter{
		Statuses: []models.JobStatus{models.JobPending, models.JobProcessing},
		Limit:    maxActiveJobs,
	})
	return jobs, err
}

// HistoryPage is one page of finished jobs, newest first.
type HistoryPage struct {
	Jobs   []*models.Job `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// History pages through completed, failed and cancelled jobs ordered by
// completion time. limit defaults to DefaultHistoryLimit and is capped at
// MaxHistoryLimit.
func (p *Processor) History(ctx context.Context, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	offset = max(offset, 0)

	jobs, total, err := p.jobs.FindJobs(ctx, db.JobFilter{
		Statuses: []models.JobStatus{models.JobCompleted, models.JobError, models.JobCancelled},
		Limit:    limit,
		Offset:   offset,
		ByFinish: true,
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return &HistoryPage{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// CancelJob cancels a pending job. Any other status yields
// *models.InvalidStateError.
func (p *Processor) CancelJob(ctx context.Context, id string) error {
	if err := p.jobs.CancelJob(ctx, id, p.now()); err != nil {
		return err
	}
	p.log.Info("job cancelled", zap.String("job_id", id))
	return nil
}

// NextJob returns the oldest claimable job, or nil.
func (p *Processor) NextJob(ctx context.Context) (*models.Job, error) {
	return p.jobs.NextPendingJob(ctx, p.now())
}

// ProcessNext claims and processes the next job. It returns nil, nil when the
// queue is empty.
func (p *Processor) ProcessNext(ctx context.Context, sess *session.Session) (*models.ProcessResult, error) {
	job, err := p.NextJob(ctx)
	if err != nil || job == nil {
		return nil, err
	}
	res, err := p.ProcessJob(ctx, job, sess)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessByID processes a specific job, which must be pending.
func (p *Processor) ProcessByID(ctx context.Context, id string, sess *session.Session) (models.ProcessResult, error) {
	job, err := p.jobs.GetJob(ctx, id)
	if err != nil {
		return models.ProcessResult{JobID: id}, err
	}
	if job.Status != models.JobPending {
		return models.ProcessResult{JobID: id}, &models.InvalidStateError{JobID: id, Status: job.Status, Op: "process"}
	}
	return p.ProcessJob(ctx, job, sess)
}

func (p *Processor) Stats(ctx context.Context) (models.QueueStats, error) {
	return p.jobs.JobStats(ctx)
}

func (p *Processor) Sessions(ctx context.Context, limit int) ([]*models.WorkerSession, error) {
	return p.sessions.ListSessions(ctx, limit)
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
