package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails accepted by the transport",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails rejected by the transport or lost with a failed chunk",
		},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_jobs_total",
			Help: "Newsletter job attempts by outcome",
		},
		[]string{"outcome"},
	)

	BatchChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_batch_chunks_total",
			Help: "Transport batch calls by result",
		},
		[]string{"result"},
	)

	SessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_session_errors_total",
			Help: "Best-effort session bookkeeping failures",
		},
		[]string{"op"},
	)

	LastHeartbeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_last_heartbeat_timestamp_seconds",
			Help: "Unix time of the last successful worker heartbeat",
		},
	)

	JobInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_job_in_flight",
			Help: "1 while the worker is processing a job",
		},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeError     = "error"
)

var once sync.Once

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			EmailsSent,
			EmailFailures,
			Jobs,
			BatchChunks,
			SessionErrors,
			LastHeartbeat,
			JobInFlight,
		)
	})
}

// Server exposes /metrics on port.
func Server(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
