package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"mailqueue/internal/models"
)

func (s *SQLite) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	job.CreatedAt = utc(job.CreatedAt).Truncate(time.Millisecond)
	job.UpdatedAt = job.CreatedAt
	if job.ListIDs == nil {
		job.ListIDs = []string{}
	}

	listIDs, err := json.Marshal(job.ListIDs)
	if err != nil {
		return storeErr("encode list ids", err)
	}

	var createdBy any
	if job.CreatedBy != nil {
		createdBy = *job.CreatedBy
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO newsletter_queue (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Subject, job.HTMLContent, nullStr(job.TextContent), string(listIDs), string(job.Status),
		job.TotalRecipients, job.SentCount, job.FailedCount, job.RetryCount, job.MaxRetries,
		nullStr(job.ErrorMessage), nullMillis(job.ScheduledAt), nullMillis(job.StartedAt), nullMillis(job.CompletedAt), createdBy,
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	return storeErr("create job", err)
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM newsletter_queue WHERE id = ?`, id)
	job, err := scanLiteJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		string(status), string(status), ListLimit(limit),
	)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanLiteJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, storeErr("iterate jobs", rows.Err())
}

func (s *SQLite) FindJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error) {
	where := ""
	args := make([]any, 0, len(f.Statuses)+2)
	if len(f.Statuses) > 0 {
		where = "WHERE status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM newsletter_queue `+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count jobs", err)
	}

	order := "created_at ASC, id ASC"
	if f.ByFinish {
		order = "COALESCE(completed_at, updated_at) DESC, id DESC"
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		`+where+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`,
		append(args, ListLimit(f.Limit), max(f.Offset, 0))...,
	)
	if err != nil {
		return nil, 0, storeErr("find jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanLiteJob(rows)
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

func (s *SQLite) NextPendingJob(ctx context.Context, now time.Time) (*models.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_queue
		WHERE status = 'pending'
		  AND retry_count < max_retries
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		toMillis(now),
	)
	job, err := scanLiteJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("next pending job", err)
	}
	return job, nil
}

func (s *SQLite) UpdateJobProgress(ctx context.Context, id string, p Progress) error {
	at := toMillis(utc(p.At))
	var total any
	if p.Total != nil {
		total = *p.Total
	}
	status := string(p.Status)

	query := `
		UPDATE newsletter_queue SET
			status = ?,
			sent_count = ?,
			failed_count = ?,
			total_recipients = COALESCE(?, total_recipients),
			started_at = CASE
				WHEN ? = 'processing' AND ? = 0 AND status <> 'processing' THEN ?
				WHEN ? = 'processing' AND ? = 0 THEN COALESCE(started_at, ?)
				ELSE started_at END,
			completed_at = CASE
				WHEN ? IN ('completed', 'error', 'cancelled') THEN ?
				ELSE completed_at END,
			error_message = COALESCE(?, error_message),
			updated_at = ?
		WHERE id = ?`
	args := []any{
		status, p.Sent, p.Failed, total,
		status, p.Sent, at,
		status, p.Sent, at,
		status, at,
		nullStr(p.ErrorMessage), at, id,
	}
	if len(p.From) > 0 {
		query += ` AND status IN (` + placeholders(len(p.From)) + `)`
		for _, from := range p.From {
			args = append(args, string(from))
		}
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update job progress", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeErr("update job progress", err)
	} else if n == 0 {
		return s.transitionError(ctx, id, "move to "+status)
	}
	return nil
}

func (s *SQLite) IncrementRetryCount(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE newsletter_queue
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`,
		toMillis(utc(at)), id,
	)
	if err != nil {
		return storeErr("increment retry count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *SQLite) CancelJob(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(utc(at))
	res, err := s.DB.ExecContext(ctx, `
		UPDATE newsletter_queue
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		ms, ms, id,
	)
	if err != nil {
		return storeErr("cancel job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "cancel")
	}
	return nil
}

func (s *SQLite) JobStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := s.DB.QueryContext(ctx, `
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

func (s *SQLite) transitionError(ctx context.Context, id, op string) error {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM newsletter_queue WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return models.ErrJobNotFound
		}
		return storeErr("read job status", err)
	}
	return &models.InvalidStateError{JobID: id, Status: models.JobStatus(status), Op: op}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteJob(row rowScanner) (*models.Job, error) {
	var (
		job                              models.Job
		status, listIDs                  string
		textContent, errorMessage        sql.NullString
		scheduledAt, startedAt, finished sql.NullInt64
		createdBy                        sql.NullInt64
		createdAt, updatedAt             int64
	)
	err := row.Scan(
		&job.ID, &job.Subject, &job.HTMLContent, &textContent, &listIDs, &status,
		&job.TotalRecipients, &job.SentCount, &job.FailedCount, &job.RetryCount, &job.MaxRetries,
		&errorMessage, &scheduledAt, &startedAt, &finished, &createdBy,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(listIDs), &job.ListIDs); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.TextContent = textContent.String
	job.ErrorMessage = errorMessage.String
	job.ScheduledAt = fromNullMillis(scheduledAt)
	job.StartedAt = fromNullMillis(startedAt)
	job.CompletedAt = fromNullMillis(finished)
	if createdBy.Valid {
		v := createdBy.Int64
		job.CreatedBy = &v
	}
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}
