package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/models"
	"mailqueue/internal/recipients"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    [][]models.OutboundMessage
	chunkErr error
}

func (f *fakeTransport) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	items, err := f.SendBatch(ctx, []models.OutboundMessage{msg})
	if err != nil {
		return "", err
	}
	return items[0].MessageID, nil
}

func (f *fakeTransport) SendBatch(_ context.Context, msgs []models.OutboundMessage) ([]email.ItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	if f.chunkErr != nil {
		return nil, f.chunkErr
	}
	items := make([]email.ItemResult, len(msgs))
	for i := range msgs {
		items[i] = email.ItemResult{MessageID: fmt.Sprintf("msg-%d-%d", len(f.calls), i)}
	}
	return items, nil
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, []string) ([]models.Contact, error) {
	return nil, f.err
}

type panickingResolver struct{}

func (panickingResolver) Resolve(context.Context, []string) ([]models.Contact, error) {
	panic("nil map")
}

type harness struct {
	store     *db.SQLite
	transport *fakeTransport
	proc      *Processor
	now       time.Time
}

func newHarness(t *testing.T, resolver Resolver) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:     store,
		transport: &fakeTransport{},
		now:       time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if resolver == nil {
		resolver = recipients.NewResolver(store, log)
	}
	dispatcher := email.NewDispatcher(h.transport, 0, log)
	h.proc = NewProcessor(store, store, resolver, dispatcher, Options{
		From:       "news@example.com",
		ChunkSize:  100,
		MaxRetries: 3,
		Now:        func() time.Time { h.now = h.now.Add(time.Second); return h.now },
	}, log)
	return h
}

// seedLists creates two active lists holding 3 valid contacts (one of them on
// both lists), one inactive contact and one malformed address.
func (h *harness) seedLists(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	a := &models.DistributionList{Name: "a", Active: true}
	b := &models.DistributionList{Name: "b", Active: true}
	for _, l := range []*models.DistributionList{a, b} {
		if err := h.store.CreateList(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.store.ImportContacts(ctx, a.ID, []models.Contact{
		{FirstName: "Ada", Email: "ada@example.com", Active: true},
		{FirstName: "Bob", Email: "bob@example.com", Active: true},
		{FirstName: "Cy", Email: "cy@example.com", Active: false},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.ImportContacts(ctx, b.ID, []models.Contact{
		{FirstName: "Ada", Email: "Ada@Example.com", Active: true},
		{FirstName: "Dee", Email: "dee@example.com", Active: true},
		{FirstName: "Eve", Email: "eve-at-example", Active: true},
	}); err != nil {
		t.Fatal(err)
	}
	return []string{a.ID, b.ID}
}

func (h *harness) createJob(t *testing.T, listIDs []string) *models.Job {
	t.Helper()
	job, err := h.proc.CreateJob(context.Background(), JobRequest{
		Subject:     "Weekly digest",
		HTMLContent: "<h1>News</h1>",
		TextContent: "News",
		ListIDs:     listIDs,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		req  JobRequest
		want string
	}{
		{"missing subject", JobRequest{HTMLContent: "x", ListIDs: []string{"l"}}, "subject is required"},
		{"missing html", JobRequest{Subject: "s", ListIDs: []string{"l"}}, "html_content is required"},
		{"no lists", JobRequest{Subject: "s", HTMLContent: "x"}, "at least one list id"},
		{"blank list", JobRequest{Subject: "s", HTMLContent: "x", ListIDs: []string{" "}}, "must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.CreateJob(context.Background(), tt.req)
			if !errors.Is(err, models.ErrInvalidJob) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}

	job, err := h.proc.CreateJob(context.Background(), JobRequest{
		Subject: " s ", HTMLContent: "x", ListIDs: []string{"l1", "l1", "l2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobPending || job.MaxRetries != 3 || len(job.ListIDs) != 2 || job.Subject != "s" {
		t.Fatalf("job = %+v", job)
	}
}

func TestProcessNextDeliversToValidRecipients(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job := h.createJob(t, h.seedLists(t))

	res, err := h.proc.ProcessNext(ctx, nil)
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if res == nil || !res.Success || res.Total != 3 || res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := h.proc.GetJob(ctx, job.ID)
	if got.Status != models.JobCompleted || got.TotalRecipients != 3 || got.SentCount != 3 || got.FailedCount != 0 {
		t.Fatalf("job = %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Fatalf("stamps: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	if len(h.transport.calls) != 1 {
		t.Fatalf("transport calls = %d", len(h.transport.calls))
	}
	var to []string
	for _, m := range h.transport.calls[0] {
		if m.From != "news@example.com" || m.Subject != "Weekly digest" || m.Text != "News" {
			t.Fatalf("message = %+v", m)
		}
		to = append(to, strings.ToLower(m.To))
	}
	sort.Strings(to)
	if strings.Join(to, ",") != "ada@example.com,bob@example.com,dee@example.com" {
		t.Fatalf("recipients = %v", to)
	}

	res, err = h.proc.ProcessNext(ctx, nil)
	if err != nil || res != nil {
		t.Fatalf("empty queue: %v %v", res, err)
	}
}

func TestChunkFailureStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.chunkErr = &email.APIError{Provider: "fake", StatusCode: 500, Message: "unavailable"}

	list := &models.DistributionList{Name: "small", Active: true}
	if err := h.store.CreateList(ctx, list); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.ImportContacts(ctx, list.ID, []models.Contact{
		{Email: "a@example.com", Active: true},
		{Email: "b@example.com", Active: true},
	}); err != nil {
		t.Fatal(err)
	}
	job := h.createJob(t, []string{list.ID})

	res, err := h.proc.ProcessByID(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("ProcessByID: %v", err)
	}
	if !res.Success || res.Sent != 0 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := h.proc.GetJob(ctx, job.ID)
	if got.Status != models.JobCompleted || got.FailedCount != 2 || got.RetryCount != 0 {
		t.Fatalf("job = %+v", got)
	}
}

func TestRetriesEndInError(t *testing.T) {
	h := newHarness(t, failingResolver{err: &models.ResolutionError{Err: errors.New("db down")}})
	ctx := context.Background()
	job := h.createJob(t, []string{"l1"})

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := h.proc.ProcessNext(ctx, nil)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if res == nil || res.Success || !strings.Contains(res.Error, "db down") {
			t.Fatalf("attempt %d result = %+v", attempt, res)
		}

		got, _ := h.proc.GetJob(ctx, job.ID)
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d retry_count = %d", attempt, got.RetryCount)
		}
		want := models.JobPending
		if attempt == 3 {
			want = models.JobError
		}
		if got.Status != want || !strings.Contains(got.ErrorMessage, "db down") {
			t.Fatalf("attempt %d job = %+v", attempt, got)
		}
	}

	if res, err := h.proc.ProcessNext(ctx, nil); err != nil || res != nil {
		t.Fatalf("exhausted job claimed again: %v %v", res, err)
	}
	if len(h.transport.calls) != 0 {
		t.Fatalf("transport called %d times", len(h.transport.calls))
	}
}

func TestNoRecipientsIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	empty := &models.DistributionList{Name: "empty", Active: true}
	if err := h.store.CreateList(ctx, empty); err != nil {
		t.Fatal(err)
	}
	job := h.createJob(t, []string{empty.ID})

	res, err := h.proc.ProcessByID(ctx, job.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "no active contacts") {
		t.Fatalf("result = %+v", res)
	}
	got, _ := h.proc.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.RetryCount != 1 {
		t.Fatalf("job = %+v", got)
	}
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, panickingResolver{})
	ctx := context.Background()
	job := h.createJob(t, []string{"l1"})

	res, err := h.proc.ProcessByID(ctx, job.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Fatalf("result = %+v", res)
	}
	got, _ := h.proc.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.RetryCount != 1 {
		t.Fatalf("job = %+v", got)
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pending := h.createJob(t, []string{"l1"})
	if err := h.proc.CancelJob(ctx, pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, _ := h.proc.GetJob(ctx, pending.ID)
	if got.Status != models.JobCancelled {
		t.Fatalf("status = %q", got.Status)
	}

	var stateErr *models.InvalidStateError
	if err := h.proc.CancelJob(ctx, pending.ID); !errors.As(err, &stateErr) {
		t.Fatalf("cancel twice: %v", err)
	}

	processing := h.createJob(t, []string{"l1"})
	if err := h.store.UpdateJobProgress(ctx, processing.ID, db.Progress{Status: models.JobProcessing}); err != nil {
		t.Fatal(err)
	}
	if err := h.proc.CancelJob(ctx, processing.ID); !errors.As(err, &stateErr) || stateErr.Status != models.JobProcessing {
		t.Fatalf("cancel processing: %v", err)
	}

	if err := h.proc.CancelJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("cancel missing: %v", err)
	}
}

func TestProcessByIDRequiresPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.createJob(t, []string{"l1"})
	if err := h.proc.CancelJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	_, err := h.proc.ProcessByID(ctx, job.ID, nil)
	var stateErr *models.InvalidStateError
	if !errors.As(err, &stateErr) || stateErr.Op != "process" {
		t.Fatalf("ProcessByID cancelled = %v", err)
	}

	if _, err := h.proc.ProcessByID(ctx, "missing", nil); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("ProcessByID missing = %v", err)
	}
}

func TestProcessJobLosesClaimRace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.createJob(t, []string{"l1"})
	stale := *job
	if err := h.store.UpdateJobProgress(ctx, job.ID, db.Progress{Status: models.JobProcessing}); err != nil {
		t.Fatal(err)
	}

	_, err := h.proc.ProcessJob(ctx, &stale, nil)
	var stateErr *models.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("ProcessJob = %v", err)
	}
	got, _ := h.proc.GetJob(ctx, job.ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d after lost claim", got.RetryCount)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	lists := h.seedLists(t)

	h.createJob(t, lists)
	cancelled := h.createJob(t, lists)
	if err := h.proc.CancelJob(ctx, cancelled.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.proc.ProcessNext(ctx, nil); err != nil {
		t.Fatal(err)
	}
	h.createJob(t, lists)

	stats, err := h.proc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := models.QueueStats{Pending: 1, Completed: 1, Cancelled: 1, EmailsSent: 3}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	jobs, err := h.proc.ListJobs(ctx, models.JobPending, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("pending jobs = %v, %v", jobs, err)
	}
	if _, err := h.proc.ListJobs(ctx, "bogus", 10); !errors.Is(err, models.ErrInvalidJob) {
		t.Fatalf("ListJobs bogus = %v", err)
	}
}
