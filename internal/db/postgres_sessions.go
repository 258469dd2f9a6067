package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mailqueue/internal/models"
)

const sessionColumns = `
	id, instance_id, hostname, pid, status, last_heartbeat_at,
	current_job_id, current_job_subject, jobs_processed, jobs_failed,
	started_at, stopped_at, metadata`

func (s *Postgres) SweepStaleSessions(ctx context.Context, cutoff, at time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE worker_sessions
		SET status = 'crashed', stopped_at = $2
		WHERE status IN ('starting', 'running', 'stopping')
		  AND last_heartbeat_at < $1`,
		cutoff.UTC(), utc(at),
	)
	if err != nil {
		return 0, storeErr("sweep stale sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ActiveSessions(ctx context.Context) ([]*models.WorkerSession, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM worker_sessions
		WHERE status IN ('starting', 'running')
		ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, storeErr("active sessions", err)
	}
	return collectPGSessions(rows)
}

func (s *Postgres) CreateSession(ctx context.Context, ws *models.WorkerSession) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.Metadata == nil {
		ws.Metadata = map[string]string{}
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO worker_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ws.ID, ws.InstanceID, ws.Hostname, ws.PID, string(ws.Status), ws.LastHeartbeatAt.UTC(),
		nullStr(ws.CurrentJobID), nullStr(ws.CurrentJobSubject), ws.JobsProcessed, ws.JobsFailed,
		ws.StartedAt.UTC(), ws.StoppedAt, ws.Metadata,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return s.duplicateWorker(ctx)
		}
		return storeErr("create session", err)
	}
	return nil
}

func (s *Postgres) duplicateWorker(ctx context.Context) error {
	active, err := s.ActiveSessions(ctx)
	if err != nil || len(active) == 0 {
		return &models.DuplicateWorkerError{}
	}
	return &models.DuplicateWorkerError{Session: *active[0]}
}

func (s *Postgres) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	var (
		query string
		stamp = utc(at)
	)
	if status.Terminal() {
		query = `
			UPDATE worker_sessions
			SET status = $2, stopped_at = $3, current_job_id = NULL, current_job_subject = NULL
			WHERE id = $1 AND status NOT IN ('stopped', 'crashed')`
	} else {
		query = `
			UPDATE worker_sessions
			SET status = $2, last_heartbeat_at = $3
			WHERE id = $1 AND status NOT IN ('stopped', 'crashed')`
	}

	tag, err := s.Pool.Exec(ctx, query, id, string(status), stamp)
	if err != nil {
		return storeErr("set session status", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *Postgres) TouchSession(ctx context.Context, id string, at time.Time) (models.SessionStatus, error) {
	var status string
	err := s.Pool.QueryRow(ctx, `
		UPDATE worker_sessions
		SET last_heartbeat_at = CASE
			WHEN status IN ('starting', 'running', 'stopping') THEN $2
			ELSE last_heartbeat_at END
		WHERE id = $1
		RETURNING status`,
		id, utc(at),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", models.ErrSessionNotFound
		}
		return "", storeErr("touch session", err)
	}
	return models.SessionStatus(status), nil
}

func (s *Postgres) SetSessionJob(ctx context.Context, id, jobID, subject string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE worker_sessions
		SET current_job_id = $2, current_job_subject = $3, last_heartbeat_at = $4
		WHERE id = $1 AND status NOT IN ('stopped', 'crashed')`,
		id, nullStr(jobID), nullStr(subject), utc(at),
	)
	if err != nil {
		return storeErr("set session job", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *Postgres) IncrementSessionCounter(ctx context.Context, id string, failed bool, at time.Time) error {
	query := `
		UPDATE worker_sessions
		SET jobs_processed = jobs_processed + 1, last_heartbeat_at = $2
		WHERE id = $1 AND status NOT IN ('stopped', 'crashed')`
	if failed {
		query = `
		UPDATE worker_sessions
		SET jobs_failed = jobs_failed + 1, last_heartbeat_at = $2
		WHERE id = $1 AND status NOT IN ('stopped', 'crashed')`
	}

	tag, err := s.Pool.Exec(ctx, query, id, utc(at))
	if err != nil {
		return storeErr("increment session counter", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*models.WorkerSession, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM worker_sessions WHERE id = $1`, id)
	ws, err := scanPGSession(row)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrSessionNotFound
		}
		return nil, storeErr("get session", err)
	}
	return ws, nil
}

func (s *Postgres) ListSessions(ctx context.Context, limit int) ([]*models.WorkerSession, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM worker_sessions
		ORDER BY started_at DESC
		LIMIT $1`,
		ListLimit(limit),
	)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return collectPGSessions(rows)
}

func collectPGSessions(rows pgx.Rows) ([]*models.WorkerSession, error) {
	defer rows.Close()

	var sessions []*models.WorkerSession
	for rows.Next() {
		ws, err := scanPGSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, ws)
	}
	return sessions, storeErr("iterate sessions", rows.Err())
}

func scanPGSession(row pgx.Row) (*models.WorkerSession, error) {
	var (
		ws      models.WorkerSession
		status  string
		jobID   *string
		subject *string
	)
	err := row.Scan(
		&ws.ID, &ws.InstanceID, &ws.Hostname, &ws.PID, &status, &ws.LastHeartbeatAt,
		&jobID, &subject, &ws.JobsProcessed, &ws.JobsFailed,
		&ws.StartedAt, &ws.StoppedAt, &ws.Metadata,
	)
	if err != nil {
		return nil, err
	}
	ws.Status = models.SessionStatus(status)
	ws.CurrentJobID = derefStr(jobID)
	ws.CurrentJobSubject = derefStr(subject)
	return &ws, nil
}
