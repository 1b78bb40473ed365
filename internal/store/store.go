// Package store declares the persistence interface for analysis jobs.
package store

import (
	"context"
	"errors"

	"github.com/reviewpulse/insightd/internal/job"
)

// ErrNotFound signals that the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrConflict signals that a concurrent caller won the race for the same dedup
// key or that the transaction hit a serialization failure. The operation is
// safe to retry; the retry will observe the winner's row.
var ErrConflict = errors.New("concurrent job store conflict")

// CreateParams describes the job a caller wants to exist.
type CreateParams struct {
	// TaskID is the externally addressable identifier assigned by the caller.
	TaskID string
	// SubjectID is the entity being analyzed.
	SubjectID string
	// RequesterID identifies who asked for the analysis.
	RequesterID string
	// Kind names the analysis operation (e.g. "review-analysis").
	Kind string
	// Priority orders dispatch; higher runs earlier.
	Priority int
	// SubjectScoped widens the dedup key from (subject, requester) to
	// (subject) alone for kinds whose result is requester-independent.
	SubjectScoped bool
}

// JobStore persists jobs and enforces the status state machine. Transition and
// UpdateProgress are the only mutators after creation.
type JobStore interface {
	// CreateOrGetActive returns an existing PENDING/PROCESSING job for the
	// dedup key, or inserts a new PENDING row. The lookup and insert are
	// atomic with respect to concurrent callers for the same key. The bool
	// reports whether a new job was created.
	CreateOrGetActive(ctx context.Context, p CreateParams) (job.Job, bool, error)

	// Transition applies a status change, validating it against the state
	// machine and appending a history entry. Returns the updated job, or a
	// *job.InvalidTransitionError leaving state unchanged.
	Transition(ctx context.Context, taskID string, to job.Status, patch job.Patch) (job.Job, error)

	// UpdateProgress records downstream progress for a PROCESSING job.
	// Progress is clamped monotonic non-decreasing; reports for jobs not in
	// PROCESSING are rejected with *job.InvalidTransitionError.
	UpdateProgress(ctx context.Context, taskID string, progress int) (job.Job, error)

	// Get loads a single job or returns ErrNotFound.
	Get(ctx context.Context, taskID string) (job.Job, error)
}
