package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mailqueue/internal/models"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateJob(t *testing.T, s *SQLite, subject string, created time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		Subject:     subject,
		HTMLContent: "<p>" + subject + "</p>",
		ListIDs:     []string{"l1"},
		MaxRetries:  3,
		CreatedAt:   created,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func intPtr(v int) *int { return &v }

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scheduled := base.Add(time.Hour)
	createdBy := int64(7)
	job := &models.Job{
		Subject:     "Hello",
		HTMLContent: "<p>hi</p>",
		TextContent: "hi",
		ListIDs:     []string{"a", "b"},
		MaxRetries:  3,
		ScheduledAt: &scheduled,
		CreatedBy:   &createdBy,
		CreatedAt:   base,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" || job.Status != models.JobPending {
		t.Fatalf("defaults not applied: id=%q status=%q", job.ID, job.Status)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject != "Hello" || got.TextContent != "hi" || len(got.ListIDs) != 2 || got.ListIDs[1] != "b" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(scheduled) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, scheduled)
	}
	if got.CreatedBy == nil || *got.CreatedBy != 7 {
		t.Fatalf("created_by = %v", got.CreatedBy)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestNextPendingJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if job, err := s.NextPendingJob(ctx, base); err != nil || job != nil {
		t.Fatalf("empty queue: job=%v err=%v", job, err)
	}

	mustCreateJob(t, s, "second", base.Add(time.Second))
	first := mustCreateJob(t, s, "first", base)

	exhausted := mustCreateJob(t, s, "exhausted", base.Add(-time.Minute))
	for range 3 {
		if err := s.IncrementRetryCount(ctx, exhausted.ID, base); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	later := base.Add(time.Hour)
	scheduled := &models.Job{
		Subject: "scheduled", HTMLContent: "x", ListIDs: []string{"l1"},
		MaxRetries: 3, ScheduledAt: &later, CreatedAt: base.Add(-2 * time.Minute),
	}
	if err := s.CreateJob(ctx, scheduled); err != nil {
		t.Fatalf("create scheduled: %v", err)
	}

	got, err := s.NextPendingJob(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("next = %v, want %s", got, first.ID)
	}

	got, err = s.NextPendingJob(ctx, later)
	if err != nil {
		t.Fatalf("next after schedule: %v", err)
	}
	if got == nil || got.ID != scheduled.ID {
		t.Fatalf("next after schedule = %v, want %s", got, scheduled.ID)
	}
}

func TestUpdateJobProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "p", base)

	start := base.Add(time.Minute)
	err := s.UpdateJobProgress(ctx, job.ID, Progress{
		Status: models.JobProcessing,
		From:   []models.JobStatus{models.JobPending},
		At:     start,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Losing a claim race surfaces as an invalid transition.
	err = s.UpdateJobProgress(ctx, job.ID, Progress{
		Status: models.JobProcessing,
		From:   []models.JobStatus{models.JobPending},
		At:     start,
	})
	var stateErr *models.InvalidStateError
	if !errors.As(err, &stateErr) || stateErr.Status != models.JobProcessing {
		t.Fatalf("second claim: %v", err)
	}

	// Repeated processing updates keep the first start stamp.
	if err := s.UpdateJobProgress(ctx, job.ID, Progress{
		Status: models.JobProcessing,
		Total:  intPtr(5),
		At:     start.Add(time.Minute),
	}); err != nil {
		t.Fatalf("total: %v", err)
	}

	done := start.Add(2 * time.Minute)
	if err := s.UpdateJobProgress(ctx, job.ID, Progress{
		Status: models.JobCompleted,
		Sent:   4,
		Failed: 1,
		At:     done,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobCompleted || got.SentCount != 4 || got.FailedCount != 1 || got.TotalRecipients != 5 {
		t.Fatalf("unexpected progress: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("started_at = %v, want %v", got.StartedAt, start)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completed_at = %v, want %v", got.CompletedAt, done)
	}

	if err := s.UpdateJobProgress(ctx, "missing", Progress{Status: models.JobProcessing}); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func TestRetryKeepsErrorMessageAndRestampsStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "r", base)

	first := base.Add(time.Minute)
	steps := []Progress{
		{Status: models.JobProcessing, At: first},
		{Status: models.JobPending, ErrorMessage: "smtp down", At: first.Add(time.Second)},
	}
	for _, p := range steps {
		if err := s.UpdateJobProgress(ctx, job.ID, p); err != nil {
			t.Fatalf("update %s: %v", p.Status, err)
		}
	}
	if err := s.IncrementRetryCount(ctx, job.ID, first); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.ErrorMessage != "smtp down" || got.RetryCount != 1 {
		t.Fatalf("after retry: %+v", got)
	}

	second := first.Add(time.Minute)
	if err := s.UpdateJobProgress(ctx, job.ID, Progress{Status: models.JobProcessing, At: second}); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(second) {
		t.Fatalf("started_at = %v, want %v", got.StartedAt, second)
	}

	if err := s.IncrementRetryCount(ctx, "missing", base); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("increment missing: %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := mustCreateJob(t, s, "pending", base)
	if err := s.CancelJob(ctx, pending.ID, base); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, _ := s.GetJob(ctx, pending.ID)
	if got.Status != models.JobCancelled || got.CompletedAt == nil {
		t.Fatalf("cancelled job: %+v", got)
	}

	running := mustCreateJob(t, s, "running", base)
	if err := s.UpdateJobProgress(ctx, running.ID, Progress{Status: models.JobProcessing, At: base}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	var stateErr *models.InvalidStateError
	if err := s.CancelJob(ctx, running.ID, base); !errors.As(err, &stateErr) {
		t.Fatalf("cancel processing: %v", err)
	}
	if stateErr.Op != "cancel" || stateErr.Status != models.JobProcessing {
		t.Fatalf("unexpected state error: %+v", stateErr)
	}

	if err := s.CancelJob(ctx, "missing", base); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("cancel missing: %v", err)
	}
}

func TestListJobsAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateJob(t, s, "a", base)
	b := mustCreateJob(t, s, "b", base.Add(time.Second))
	c := mustCreateJob(t, s, "c", base.Add(2*time.Second))
	mustCreateJob(t, s, "d", base.Add(3*time.Second))

	if err := s.UpdateJobProgress(ctx, a.ID, Progress{Status: models.JobCompleted, Sent: 10, Failed: 2, At: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress(ctx, b.ID, Progress{Status: models.JobError, Sent: 1, At: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelJob(ctx, c.ID, base); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Subject != "d" || all[3].Subject != "a" {
		t.Fatalf("list order wrong: %d jobs", len(all))
	}

	pending, err := s.ListJobs(ctx, models.JobPending, 10)
	if err != nil || len(pending) != 1 || pending[0].Subject != "d" {
		t.Fatalf("pending filter: %v %v", pending, err)
	}

	limited, _ := s.ListJobs(ctx, "", 2)
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	stats, err := s.JobStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.QueueStats{Pending: 1, Completed: 1, Failed: 1, Cancelled: 1, EmailsSent: 10, EmailsFailed: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestFindJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateJob(t, s, "a", base)
	b := mustCreateJob(t, s, "b", base.Add(time.Second))
	c := mustCreateJob(t, s, "c", base.Add(2*time.Second))
	mustCreateJob(t, s, "d", base.Add(3*time.Second))
	e := mustCreateJob(t, s, "e", base.Add(4*time.Second))

	if err := s.UpdateJobProgress(ctx, a.ID, Progress{Status: models.JobCompleted, At: base.Add(3 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress(ctx, b.ID, Progress{Status: models.JobError, At: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelJob(ctx, c.ID, base.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress(ctx, e.ID, Progress{Status: models.JobProcessing, At: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	// Without completed_at, updated_at orders the job.
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE newsletter_queue SET completed_at = NULL, updated_at = ? WHERE id = ?`,
		toMillis(base.Add(4*time.Minute)), b.ID,
	); err != nil {
		t.Fatal(err)
	}

	finished := []models.JobStatus{models.JobCompleted, models.JobError, models.JobCancelled}
	jobs, total, err := s.FindJobs(ctx, JobFilter{Statuses: finished, ByFinish: true})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if total != 3 || len(jobs) != 3 || jobs[0].Subject != "b" || jobs[1].Subject != "a" || jobs[2].Subject != "c" {
		t.Fatalf("history = %d %v", total, subjects(jobs))
	}

	jobs, total, err = s.FindJobs(ctx, JobFilter{Statuses: finished, ByFinish: true, Limit: 1, Offset: 1})
	if err != nil || total != 3 || len(jobs) != 1 || jobs[0].Subject != "a" {
		t.Fatalf("page = %d %v %v", total, subjects(jobs), err)
	}

	jobs, total, err = s.FindJobs(ctx, JobFilter{Statuses: []models.JobStatus{models.JobPending, models.JobProcessing}})
	if err != nil || total != 2 || len(jobs) != 2 || jobs[0].Subject != "d" || jobs[1].Subject != "e" {
		t.Fatalf("active = %d %v %v", total, subjects(jobs), err)
	}

	if _, total, _ := s.FindJobs(ctx, JobFilter{}); total != 5 {
		t.Fatalf("unfiltered total = %d", total)
	}
}

func subjects(jobs []*models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Subject
	}
	return out
}

func newSession(instance string, status models.SessionStatus, heartbeat time.Time) *models.WorkerSession {
	return &models.WorkerSession{
		InstanceID:      instance,
		Hostname:        "host",
		PID:             42,
		Status:          status,
		LastHeartbeatAt: heartbeat,
		StartedAt:       heartbeat,
		Metadata:        map[string]string{"env": "test"},
	}
}

func TestSingleLiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newSession("w1", models.SessionStarting, base)
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := newSession("w2", models.SessionStarting, base)
	var dup *models.DuplicateWorkerError
	if err := s.CreateSession(ctx, second); !errors.As(err, &dup) {
		t.Fatalf("create second: %v", err)
	}
	if dup.Session.ID != first.ID {
		t.Fatalf("blocking session = %q, want %q", dup.Session.ID, first.ID)
	}

	sessions, _ := s.ListSessions(ctx, 10)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}

	if err := s.SetSessionStatus(ctx, first.ID, models.SessionStopped, base.Add(time.Minute)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	third := newSession("w3", models.SessionStarting, base.Add(2*time.Minute))
	if err := s.CreateSession(ctx, third); err != nil {
		t.Fatalf("create after stop: %v", err)
	}
}

func TestSweepStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := newSession("stale", models.SessionRunning, base)
	if err := s.CreateSession(ctx, stale); err != nil {
		t.Fatal(err)
	}

	now := base.Add(3 * time.Minute)
	n, err := s.SweepStaleSessions(ctx, now.Add(-2*time.Minute), now)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}

	got, err := s.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionCrashed || got.StoppedAt == nil || !got.StoppedAt.Equal(now) {
		t.Fatalf("swept session: %+v", got)
	}
	if got.Metadata["env"] != "test" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}

	fresh := newSession("fresh", models.SessionRunning, now)
	if err := s.CreateSession(ctx, fresh); err != nil {
		t.Fatalf("create after sweep: %v", err)
	}
	if n, _ := s.SweepStaleSessions(ctx, now.Add(-2*time.Minute), now); n != 0 {
		t.Fatalf("fresh session swept")
	}
}

func TestSessionBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws := newSession("w", models.SessionStarting, base)
	if err := s.CreateSession(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSessionStatus(ctx, ws.ID, models.SessionRunning, base); err != nil {
		t.Fatal(err)
	}

	beat := base.Add(10 * time.Second)
	status, err := s.TouchSession(ctx, ws.ID, beat)
	if err != nil || status != models.SessionRunning {
		t.Fatalf("touch = %q, %v", status, err)
	}

	if err := s.SetSessionJob(ctx, ws.ID, "job-1", "Hello", beat); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementSessionCounter(ctx, ws.ID, false, beat); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementSessionCounter(ctx, ws.ID, true, beat); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, ws.ID)
	if got.CurrentJobID != "job-1" || got.CurrentJobSubject != "Hello" || got.JobsProcessed != 1 || got.JobsFailed != 1 {
		t.Fatalf("bookkeeping: %+v", got)
	}
	if !got.LastHeartbeatAt.Equal(beat) {
		t.Fatalf("heartbeat = %v, want %v", got.LastHeartbeatAt, beat)
	}

	if err := s.SetSessionJob(ctx, ws.ID, "", "", beat); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, ws.ID)
	if got.CurrentJobID != "" {
		t.Fatalf("job not cleared: %q", got.CurrentJobID)
	}

	// A crashed session no longer takes heartbeats and reports its status.
	if err := s.SetSessionStatus(ctx, ws.ID, models.SessionCrashed, beat); err != nil {
		t.Fatal(err)
	}
	status, err = s.TouchSession(ctx, ws.ID, beat.Add(time.Minute))
	if err != nil || status != models.SessionCrashed {
		t.Fatalf("touch crashed = %q, %v", status, err)
	}
	got, _ = s.GetSession(ctx, ws.ID)
	if !got.LastHeartbeatAt.Equal(beat) {
		t.Fatalf("crashed heartbeat moved to %v", got.LastHeartbeatAt)
	}
	if err := s.SetSessionStatus(ctx, ws.ID, models.SessionRunning, beat); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("revive crashed: %v", err)
	}

	// Attribution and counters are frozen on a crashed session.
	late := beat.Add(2 * time.Minute)
	if err := s.SetSessionJob(ctx, ws.ID, "job-2", "Late", late); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("set job on crashed: %v", err)
	}
	if err := s.IncrementSessionCounter(ctx, ws.ID, false, late); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("count on crashed: %v", err)
	}
	if err := s.IncrementSessionCounter(ctx, ws.ID, true, late); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("count failure on crashed: %v", err)
	}
	got, _ = s.GetSession(ctx, ws.ID)
	if got.CurrentJobID != "" || got.JobsProcessed != 1 || got.JobsFailed != 1 || !got.LastHeartbeatAt.Equal(beat) {
		t.Fatalf("crashed session written: %+v", got)
	}

	if _, err := s.TouchSession(ctx, "missing", beat); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("touch missing: %v", err)
	}
}

func TestContactsForLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &models.DistributionList{Name: "news", Active: true}
	dormant := &models.DistributionList{Name: "old", Active: false}
	for _, l := range []*models.DistributionList{active, dormant} {
		if err := s.CreateList(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ImportContacts(ctx, active.ID, []models.Contact{
		{FirstName: "Ada", Email: "ada@example.com", Active: true},
		{FirstName: "Bob", Email: "bob@example.com", Active: false},
		{FirstName: "Cy", Email: "", Active: true},
	})
	if err != nil || n != 3 {
		t.Fatalf("import = %d, %v", n, err)
	}
	if _, err := s.ImportContacts(ctx, dormant.ID, []models.Contact{
		{FirstName: "Dee", Email: "dee@example.com", Active: true},
	}); err != nil {
		t.Fatal(err)
	}

	contacts, err := s.ContactsForLists(ctx, []string{active.ID, dormant.ID})
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts = %+v", contacts)
	}
	if contacts[0].Email != "ada@example.com" || contacts[1].Email != "" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}

	if _, err := s.ImportContacts(ctx, "missing", nil); !errors.Is(err, models.ErrListNotFound) {
		t.Fatalf("import into missing list: %v", err)
	}
	if _, err := s.GetList(ctx, "missing"); !errors.Is(err, models.ErrListNotFound) {
		t.Fatalf("get missing list: %v", err)
	}
	got, err := s.GetList(ctx, dormant.ID)
	if err != nil || got.Active || got.Name != "old" {
		t.Fatalf("get list = %+v, %v", got, err)
	}
}
