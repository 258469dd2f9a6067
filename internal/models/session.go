package models

import "time"

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionCrashed  SessionStatus = "crashed"
)

// Live reports whether a session in this status blocks a new worker.
func (s SessionStatus) Live() bool {
	return s == SessionStarting || s == SessionRunning
}

func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionCrashed
}

// WorkerSession is one worker process's lease on the exclusive worker role.
type WorkerSession struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Hostname   string        `json:"hostname"`
	PID        int           `json:"pid"`
	Status     SessionStatus `json:"status"`

	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
	CurrentJobID      string    `json:"current_job_id,omitempty"`
	CurrentJobSubject string    `json:"current_job_subject,omitempty"`

	JobsProcessed int `json:"jobs_processed"`
	JobsFailed    int `json:"jobs_failed"`

	StartedAt time.Time         `json:"started_at"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
