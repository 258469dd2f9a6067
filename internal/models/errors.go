package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrSessionNotFound = errors.New("worker session not found")
	ErrListNotFound    = errors.New("distribution list not found")
	ErrInvalidJob      = errors.New("invalid job")
)

// ResolutionError means recipients could not be read from the store.
type ResolutionError struct {
	ListIDs []string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to fetch contacts from distribution lists: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// NoRecipientsError means resolution succeeded but nobody is eligible.
type NoRecipientsError struct {
	ListIDs []string
}

func (e *NoRecipientsError) Error() string {
	return "no active contacts with valid email addresses found in selected distribution lists"
}

// DispatchError describes a failed chunk. It reduces the success count of a
// job and never fails the job itself.
type DispatchError struct {
	Chunk int
	Size  int
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("chunk %d (%d messages): %v", e.Chunk, e.Size, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DuplicateWorkerError aborts worker startup while another live session exists.
type DuplicateWorkerError struct {
	Session WorkerSession
}

func (e *DuplicateWorkerError) Error() string {
	s := e.Session
	if s.ID == "" {
		return "another worker session is already running"
	}
	return fmt.Sprintf(
		"another worker session is already running: id=%s instance=%s host=%s pid=%d status=%s started=%s last_heartbeat=%s",
		s.ID, s.InstanceID, s.Hostname, s.PID, s.Status,
		s.StartedAt.Format(time.RFC3339), s.LastHeartbeatAt.Format(time.RFC3339),
	)
}

// InvalidStateError is an illegal job transition.
type InvalidStateError struct {
	JobID  string
	Status JobStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %q", e.Op, e.JobID, e.Status)
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
