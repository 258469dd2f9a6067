package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mailqueue/internal/models"
)

const jobColumns = `
	id, subject, html_content, text_content, list_ids, status,
	total_recipients, sent_count, failed_count, retry_count, max_retries,
	error_message, scheduled_at, started_at, completed_at, created_by,
	created_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	job.CreatedAt = utc(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt
	if job.ListIDs == nil {
		job.ListIDs = []string{}
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO newsletter_queue (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.Subject, job.HTMLContent, nullStr(job.TextContent), job.ListIDs, string(job.Status),
		job.TotalRecipients, job.SentCount, job.FailedCount, job.RetryCount, job.MaxRetries,
		nullStr(job.ErrorMessage), job.ScheduledAt, job.StartedAt, job.CompletedAt, job.CreatedBy,
		job.CreatedAt, job.UpdatedAt,
	)
	return storeErr("create job", err)
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM newsletter_queue WHERE id = $1`, id)
	job, err := scanPGJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2`,
		string(status), ListLimit(limit),
	)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, storeErr("iterate jobs", rows.Err())
}

func (s *Postgres) FindJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error) {
	statuses := statusStrings(f.Statuses)

	var total int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM newsletter_queue
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])`,
		statuses,
	).Scan(&total)
	if err != nil {
		return nil, 0, storeErr("count jobs", err)
	}

	order := "created_at ASC, id ASC"
	if f.ByFinish {
		order = "COALESCE(completed_at, updated_at) DESC, id DESC"
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY `+order+`
		LIMIT $2 OFFSET $3`,
		statuses, ListLimit(f.Limit), max(f.Offset, 0),
	)
	if err != nil {
		return nil, 0, storeErr("find jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, 0, storeErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("iterate jobs", err)
	}
	return jobs, total, nil
}

func (s *Postgres) NextPendingJob(ctx context.Context, now time.Time) (*models.Job, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		WHERE status = 'pending'
		  AND retry_count < max_retries
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		now.UTC(),
	)
	job, err := scanPGJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("next pending job", err)
	}
	return job, nil
}

func (s *Postgres) UpdateJobProgress(ctx context.Context, id string, p Progress) error {
	at := utc(p.At)
	var total any
	if p.Total != nil {
		total = *p.Total
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE newsletter_queue SET
			status = $2::text,
			sent_count = $3::int,
			failed_count = $4::int,
			total_recipients = COALESCE($5::int, total_recipients),
			started_at = CASE
				WHEN $2::text = 'processing' AND $3::int = 0 AND status <> 'processing' THEN $6::timestamptz
				WHEN $2::text = 'processing' AND $3::int = 0 THEN COALESCE(started_at, $6::timestamptz)
				ELSE started_at END,
			completed_at = CASE
				WHEN $2::text IN ('completed', 'error', 'cancelled') THEN $6::timestamptz
				ELSE completed_at END,
			error_message = COALESCE($7::text, error_message),
			updated_at = $6::timestamptz
		WHERE id = $1
		  AND (cardinality($8::text[]) = 0 OR status = ANY($8::text[]))`,
		id, string(p.Status), p.Sent, p.Failed, total, at, nullStr(p.ErrorMessage), statusStrings(p.From),
	)
	if err != nil {
		return storeErr("update job progress", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "move to "+string(p.Status))
	}
	return nil
}

func (s *Postgres) IncrementRetryCount(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE newsletter_queue
		SET retry_count = retry_count + 1, updated_at = $2
		WHERE id = $1`,
		id, utc(at),
	)
	if err != nil {
		return storeErr("increment retry count", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *Postgres) CancelJob(ctx context.Context, id string, at time.Time) error {
	at = utc(at)
	tag, err := s.Pool.Exec(ctx, `
		UPDATE newsletter_queue
		SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, at,
	)
	if err != nil {
		return storeErr("cancel job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "cancel")
	}
	return nil
}

func (s *Postgres) JobStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := s.Pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(sent_count), 0), COALESCE(SUM(failed_count), 0)
		FROM newsletter_queue
		GROUP BY status`,
	)
	if err != nil {
		return stats, storeErr("job stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status              string
			count, sent, failed int64
		)
		if err := rows.Scan(&status, &count, &sent, &failed); err != nil {
			return stats, storeErr("scan job stats", err)
		}
		addStats(&stats, models.JobStatus(status), int(count), int(sent), int(failed))
	}
	return stats, storeErr("iterate job stats", rows.Err())
}

// transitionError explains why a conditional update matched no row.
func (s *Postgres) transitionError(ctx context.Context, id, op string) error {
	var status string
	err := s.Pool.QueryRow(ctx, `SELECT status FROM newsletter_queue WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return models.ErrJobNotFound
		}
		return storeErr("read job status", err)
	}
	return &models.InvalidStateError{JobID: id, Status: models.JobStatus(status), Op: op}
}

func scanPGJob(row pgx.Row) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		textContent  *string
		errorMessage *string
	)
	err := row.Scan(
		&job.ID, &job.Subject, &job.HTMLContent, &textContent, &job.ListIDs, &status,
		&job.TotalRecipients, &job.SentCount, &job.FailedCount, &job.RetryCount, &job.MaxRetries,
		&errorMessage, &job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &job.CreatedBy,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.TextContent = derefStr(textContent)
	job.ErrorMessage = derefStr(errorMessage)
	return &job, nil
}

func addStats(stats *models.QueueStats, status models.JobStatus, count, sent, failed int) {
	switch status {
	case models.JobPending:
		stats.Pending += count
	case models.JobProcessing:
		stats.Processing += count
	case models.JobCompleted:
		stats.Completed += count
		stats.EmailsSent += sent
		stats.EmailsFailed += failed
	case models.JobError:
		stats.Failed += count
	case models.JobCancelled:
		stats.Cancelled += count
	}
}
