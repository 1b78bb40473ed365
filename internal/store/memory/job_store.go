// Package memory provides an in-memory JobStore for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/store"
)

// JobStore keeps jobs in a map guarded by one mutex. The mutex stands in for
// the transaction isolation the Postgres store gets from the database, so the
// dedup atomicity contract holds within a single process.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]job.Job
	nextID int64
	clock  clock.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]job.Job),
		clock: system.New(),
	}
}

// NewJobStoreWithClock constructs a JobStore with an injected clock for tests.
func NewJobStoreWithClock(c clock.Clock) *JobStore {
	s := NewJobStore()
	s.clock = c
	return s
}

// CreateOrGetActive implements store.JobStore.
func (s *JobStore) CreateOrGetActive(_ context.Context, p store.CreateParams) (job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Status.Terminal() || j.SubjectID != p.SubjectID || j.Kind != p.Kind {
			continue
		}
		if !p.SubjectScoped && j.RequesterID != p.RequesterID {
			continue
		}
		return cloneJob(j), false, nil
	}

	s.nextID++
	j := job.Job{
		ID:          s.nextID,
		TaskID:      p.TaskID,
		SubjectID:   p.SubjectID,
		RequesterID: p.RequesterID,
		Kind:        p.Kind,
		Status:      job.StatusPending,
		Priority:    p.Priority,
		CreatedAt:   s.clock.Now(),
	}
	s.jobs[p.TaskID] = j
	return cloneJob(j), true, nil
}

// Transition implements store.JobStore.
func (s *JobStore) Transition(_ context.Context, taskID string, to job.Status, patch job.Patch) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[taskID]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	if !job.CanTransition(j.Status, to) {
		return job.Job{}, &job.InvalidTransitionError{TaskID: taskID, From: j.Status, To: to}
	}

	now := s.clock.Now()
	j.History = append(j.History, job.HistoryEntry{From: j.Status, To: to, At: now, Actor: patch.Actor})

	switch to {
	case job.StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = ptrTime(now)
		}
	case job.StatusCompleted, job.StatusFailed:
		j.CompletedAt = ptrTime(now)
	case job.StatusPending:
		// Retry path: the record becomes schedulable again.
		j.CompletedAt = nil
		j.ErrorMessage = ""
		j.Progress = 0
	}
	j.Status = to

	if patch.Progress != nil && *patch.Progress > j.Progress {
		j.Progress = clampProgress(*patch.Progress)
	}
	if to == job.StatusCompleted {
		j.Progress = 100
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ResultRef != nil {
		j.ResultRef = *patch.ResultRef
	}

	s.jobs[taskID] = j
	return cloneJob(j), nil
}

// UpdateProgress implements store.JobStore.
func (s *JobStore) UpdateProgress(_ context.Context, taskID string, progress int) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[taskID]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return job.Job{}, &job.InvalidTransitionError{TaskID: taskID, From: j.Status, To: job.StatusProcessing}
	}
	if p := clampProgress(progress); p > j.Progress {
		j.Progress = p
	}
	s.jobs[taskID] = j
	return cloneJob(j), nil
}

// Get implements store.JobStore.
func (s *JobStore) Get(_ context.Context, taskID string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func cloneJob(j job.Job) job.Job {
	cp := j
	cp.History = append([]job.HistoryEntry(nil), j.History...)
	return cp
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
