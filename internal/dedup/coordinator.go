// Package dedup folds concurrent analysis requests for the same subject into a
// single in-flight job.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/store"
)

// IDGenerator mints task identifiers for newly created jobs.
type IDGenerator interface {
	NewID() string
}

// Request describes an inbound analysis request before deduplication.
type Request struct {
	SubjectID   string
	RequesterID string
	Kind        string
	Priority    int
}

// Coordinator guarantees at-most-one active job per dedup key. The key is
// (subject, requester, kind) by default, widened to (subject, kind) for kinds
// registered as subject scoped. Atomicity comes from the store's transactional
// create, so the guarantee holds across process instances.
type Coordinator struct {
	store         store.JobStore
	ids           IDGenerator
	subjectScoped map[string]bool
	log           *zap.Logger
}

// New constructs a Coordinator. subjectScopedKinds lists the kinds whose dedup
// key omits the requester.
func New(s store.JobStore, ids IDGenerator, subjectScopedKinds []string, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	scoped := make(map[string]bool, len(subjectScopedKinds))
	for _, k := range subjectScopedKinds {
		scoped[k] = true
	}
	return &Coordinator{store: s, ids: ids, subjectScoped: scoped, log: log}
}

// RequestJob returns the active job for the request's dedup key, creating a new
// PENDING job when none exists. The returned bool reports whether this call
// created the job. A store conflict (a concurrent caller won the race, or the
// transaction hit a serialization failure) is retried once; the retry observes
// the winner's row.
func (c *Coordinator) RequestJob(ctx context.Context, req Request) (job.Job, bool, error) {
	if req.SubjectID == "" || req.Kind == "" {
		return job.Job{}, false, errors.New("dedup: subject id and kind are required")
	}

	params := store.CreateParams{
		TaskID:        c.ids.NewID(),
		SubjectID:     req.SubjectID,
		RequesterID:   req.RequesterID,
		Kind:          req.Kind,
		Priority:      req.Priority,
		SubjectScoped: c.subjectScoped[req.Kind],
	}

	j, created, err := c.store.CreateOrGetActive(ctx, params)
	if errors.Is(err, store.ErrConflict) {
		c.log.Debug("dedup create conflict, retrying once",
			zap.String("subject_id", req.SubjectID),
			zap.String("kind", req.Kind))
		j, created, err = c.store.CreateOrGetActive(ctx, params)
	}
	if err != nil {
		return job.Job{}, false, fmt.Errorf("dedup: request job: %w", err)
	}

	if !created {
		c.log.Debug("request deduplicated onto existing job",
			zap.String("task_id", j.TaskID),
			zap.String("subject_id", req.SubjectID),
			zap.String("kind", req.Kind))
	}
	return j, created, nil
}
