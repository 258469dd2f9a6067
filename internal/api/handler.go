package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/csvparser"
	"mailqueue/internal/db"
	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

const maxImportBytes = 10 << 20

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Queue     *queue.Processor
	Contacts  db.ContactStore
	Store     Pinger
	Transport Pinger
	Log       *zap.Logger
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/process", h.ProcessJob)
	mux.HandleFunc("POST /api/queue/process", h.ProcessQueue)
	mux.HandleFunc("GET /api/queue/active", h.ActiveJobs)
	mux.HandleFunc("GET /api/history", h.History)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/sessions", h.Sessions)
	mux.HandleFunc("POST /api/lists", h.CreateList)
	mux.HandleFunc("POST /api/lists/{id}/contacts", h.ImportContacts)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	mux.HandleFunc("GET /healthz/transport", h.TransportHealth)
	return mux
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req queue.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, err := h.Queue.CreateJob(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := models.JobStatus(r.URL.Query().Get("status"))

	jobs, err := h.Queue.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Queue.CancelJob(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"status": models.JobCancelled,
	})
}

// ProcessJob runs a pending job inside the request. The job keeps running
// if the client goes away.
func (h *Handler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	res, err := h.Queue.ProcessByID(ctx, r.PathValue("id"), nil)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	res, err := h.Queue.ProcessNext(ctx, nil)
	if err != nil {
		h.fail(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "no pending jobs"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type activeJob struct {
	*models.Job
	Progress models.JobProgress `json:"progress"`
}

func (h *Handler) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Queue.ActiveJobs(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]activeJob, len(jobs))
	for i, j := range jobs {
		out[i] = activeJob{Job: j, Progress: j.Progress()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.Queue.History(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := h.Queue.Sessions(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.WorkerSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type listRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"`
}

func (h *Handler) CreateList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	list := &models.DistributionList{Name: strings.TrimSpace(req.Name), Active: true}
	if req.Active != nil {
		list.Active = *req.Active
	}
	if err := h.Contacts.CreateList(r.Context(), list); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

// ImportContacts reads a CSV body into the list.
func (h *Handler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Contacts.GetList(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}

	contacts, err := csvparser.ParseContacts(io.LimitReader(r.Body, maxImportBytes), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid CSV: "+err.Error())
		return
	}

	n, err := h.Contacts.ImportContacts(r.Context(), id, contacts)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.Log.Info("contacts imported", zap.String("list_id", id), zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"list_id":  id,
		"imported": n,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		h.Log.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// TransportHealth checks the email provider and reports the call latency.
func (h *Handler) TransportHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.Transport.Ping(ctx); err != nil {
		h.Log.Warn("email transport check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "email transport unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &queryError{key: key, value: v}
	}
	return n, nil
}

type queryError struct {
	key, value string
}

func (e *queryError) Error() string {
	return "invalid " + e.key + ": " + strconv.Quote(e.value)
}
