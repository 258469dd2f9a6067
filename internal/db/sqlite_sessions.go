package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"mailqueue/internal/models"
)

func (s *SQLite) SweepStaleSessions(ctx context.Context, cutoff, at time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE worker_sessions
		SET status = 'crashed', stopped_at = ?
		WHERE status IN ('starting', 'running', 'stopping')
		  AND last_heartbeat_at < ?`,
		toMillis(utc(at)), toMillis(cutoff),
	)
	if err != nil {
		return 0, storeErr("sweep stale sessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), storeErr("sweep stale sessions", err)
}

func (s *SQLite) ActiveSessions(ctx context.Context) ([]*models.WorkerSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM worker_sessions
		WHERE status IN ('starting', 'running')
		ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, storeErr("active sessions", err)
	}
	return collectLiteSessions(rows)
}

func (s *SQLite) CreateSession(ctx context.Context, ws *models.WorkerSession) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.Metadata == nil {
		ws.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(ws.Metadata)
	if err != nil {
		return storeErr("encode session metadata", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO worker_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.InstanceID, ws.Hostname, ws.PID, string(ws.Status), toMillis(ws.LastHeartbeatAt),
		nullStr(ws.CurrentJobID), nullStr(ws.CurrentJobSubject), ws.JobsProcessed, ws.JobsFailed,
		toMillis(ws.StartedAt), nullMillis(ws.StoppedAt), string(meta),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return s.duplicateWorker(ctx)
		}
		return storeErr("create session", err)
	}
	return nil
}

func (s *SQLite) duplicateWorker(ctx context.Context) error {
	active, err := s.ActiveSessions(ctx)
	if err != nil || len(active) == 0 {
		return &models.DuplicateWorkerError{}
	}
	return &models.DuplicateWorkerError{Session: *active[0]}
}

func (s *SQLite) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	query := `
		UPDATE worker_sessions
		SET status = ?, last_heartbeat_at = ?
		WHERE id = ? AND status NOT IN ('stopped', 'crashed')`
	if status.Terminal() {
		query = `
		UPDATE worker_sessions
		SET status = ?, stopped_at = ?, current_job_id = NULL, current_job_subject = NULL
		WHERE id = ? AND status NOT IN ('stopped', 'crashed')`
	}

	res, err := s.DB.ExecContext(ctx, query, string(status), toMillis(utc(at)), id)
	if err != nil {
		return storeErr("set session status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) TouchSession(ctx context.Context, id string, at time.Time) (models.SessionStatus, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `
		UPDATE worker_sessions
		SET last_heartbeat_at = CASE
			WHEN status IN ('starting', 'running', 'stopping') THEN ?
			ELSE last_heartbeat_at END
		WHERE id = ?
		RETURNING status`,
		toMillis(utc(at)), id,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", models.ErrSessionNotFound
		}
		return "", storeErr("touch session", err)
	}
	return models.SessionStatus(status), nil
}

func (s *SQLite) SetSessionJob(ctx context.Context, id, jobID, subject string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE worker_sessions
		SET current_job_id = ?, current_job_subject = ?, last_heartbeat_at = ?
		WHERE id = ? AND status NOT IN ('stopped', 'crashed')`,
		nullStr(jobID), nullStr(subject), toMillis(utc(at)), id,
	)
	if err != nil {
		return storeErr("set session job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) IncrementSessionCounter(ctx context.Context, id string, failed bool, at time.Time) error {
	query := `
		UPDATE worker_sessions
		SET jobs_processed = jobs_processed + 1, last_heartbeat_at = ?
		WHERE id = ? AND status NOT IN ('stopped', 'crashed')`
	if failed {
		query = `
		UPDATE worker_sessions
		SET jobs_failed = jobs_failed + 1, last_heartbeat_at = ?
		WHERE id = ? AND status NOT IN ('stopped', 'crashed')`
	}

	res, err := s.DB.ExecContext(ctx, query, toMillis(utc(at)), id)
	if err != nil {
		return storeErr("increment session counter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*models.WorkerSession, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM worker_sessions WHERE id = ?`, id)
	ws, err := scanLiteSession(row)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrSessionNotFound
		}
		return nil, storeErr("get session", err)
	}
	return ws, nil
}

func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]*models.WorkerSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM worker_sessions
		ORDER BY started_at DESC
		LIMIT ?`,
		ListLimit(limit),
	)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return collectLiteSessions(rows)
}

func collectLiteSessions(rows *sql.Rows) ([]*models.WorkerSession, error) {
	defer rows.Close()

	var sessions []*models.WorkerSession
	for rows.Next() {
		ws, err := scanLiteSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, ws)
	}
	return sessions, storeErr("iterate sessions", rows.Err())
}

func scanLiteSession(row rowScanner) (*models.WorkerSession, error) {
	var (
		ws                   models.WorkerSession
		status, meta         string
		jobID, subject       sql.NullString
		heartbeat, startedAt int64
		stoppedAt            sql.NullInt64
	)
	err := row.Scan(
		&ws.ID, &ws.InstanceID, &ws.Hostname, &ws.PID, &status, &heartbeat,
		&jobID, &subject, &ws.JobsProcessed, &ws.JobsFailed,
		&startedAt, &stoppedAt, &meta,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &ws.Metadata); err != nil {
		return nil, err
	}
	ws.Status = models.SessionStatus(status)
	ws.LastHeartbeatAt = fromMillis(heartbeat)
	ws.CurrentJobID = jobID.String
	ws.CurrentJobSubject = subject.String
	ws.StartedAt = fromMillis(startedAt)
	ws.StoppedAt = fromNullMillis(stoppedAt)
	return &ws, nil
}
