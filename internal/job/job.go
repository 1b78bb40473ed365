// Package job defines the analysis job domain model and its status lifecycle.
package job

import (
	"time"
)

// Status is the lifecycle state of an analysis job.
type Status string

// Job statuses persisted in analysis_jobs.status.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state. Terminal records never change
// except through the explicit retry transition, which is why they are safe to
// serve from cache.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions encodes the status state machine. FAILED->PENDING is the
// controlled retry path; COMPLETED has no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusFailed: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true},
	StatusFailed:     {StatusPending: true},
	StatusCompleted:  {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// HistoryEntry records one status change for audit purposes.
type HistoryEntry struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
}

// Job is the durable record of one analysis task. TaskID is the externally
// addressable identifier; ID is the internal primary key and never leaves the
// service.
type Job struct {
	ID           int64          `json:"-"`
	TaskID       string         `json:"task_id"`
	SubjectID    string         `json:"subject_id"`
	RequesterID  string         `json:"requester_id"`
	Kind         string         `json:"kind"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Priority     int            `json:"priority"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResultRef    string         `json:"result_ref,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// Patch carries the optional field updates applied alongside a transition.
// Nil pointers leave the stored value untouched.
type Patch struct {
	Progress     *int
	ErrorMessage *string
	ResultRef    *string
	Actor        string
}
