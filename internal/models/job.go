package models

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobError, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobError, JobCancelled:
		return true
	}
	return false
}

// Job is one newsletter send request and its progress.
type Job struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	HTMLContent string   `json:"html_content"`
	TextContent string   `json:"text_content,omitempty"`
	ListIDs     []string `json:"list_ids"`

	Status          JobStatus `json:"status"`
	TotalRecipients int       `json:"total_recipients"`
	SentCount       int       `json:"sent_count"`
	FailedCount     int       `json:"failed_count"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	ErrorMessage    string    `json:"error_message,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobProgress is a job's delivery counts with the share of recipients
// already sent, as a whole percentage.
type JobProgress struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

func (j *Job) Progress() JobProgress {
	p := JobProgress{Sent: j.SentCount, Failed: j.FailedCount, Total: j.TotalRecipients}
	if p.Total > 0 {
		p.Percent = min((p.Sent*100+p.Total/2)/p.Total, 100)
	}
	return p
}

// ProcessResult is what one processing attempt reports back to its caller.
type ProcessResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}

type QueueStats struct {
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	EmailsSent   int `json:"emails_sent"`
	EmailsFailed int `json:"emails_failed"`
}
