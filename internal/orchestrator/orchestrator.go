// Package orchestrator drives the analysis job lifecycle: admission-passed
// requests flow through deduplication into the job store, get dispatched to
// the analysis service, and asynchronous worker reports move jobs through the
// state machine while the cache and event hub track externally-visible state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/cache"
	"github.com/reviewpulse/insightd/internal/dedup"
	"github.com/reviewpulse/insightd/internal/downstream"
	"github.com/reviewpulse/insightd/internal/hub"
	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/resilient"
	"github.com/reviewpulse/insightd/internal/store"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// Dispatcher submits jobs to the analysis service.
type Dispatcher interface {
	Dispatch(ctx context.Context, req downstream.DispatchRequest) (downstream.Acceptance, error)
}

// EventSink publishes events to subscriber rooms.
type EventSink interface {
	Publish(ctx context.Context, room string, ev hub.Event)
}

// Config holds orchestrator tunables.
type Config struct {
	StatusTTL time.Duration
	ResultTTL time.Duration
}

// Orchestrator is the top-level coordinator.
type Orchestrator struct {
	coord      *dedup.Coordinator
	store      store.JobStore
	cache      *cache.Store
	dispatcher Dispatcher
	events     EventSink
	cfg        Config
	log        *zap.Logger
}

// New constructs an Orchestrator.
func New(coord *dedup.Coordinator, s store.JobStore, c *cache.Store, d Dispatcher, events EventSink, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	telemetry.Init()
	return &Orchestrator{
		coord:      coord,
		store:      s,
		cache:      c,
		dispatcher: d,
		events:     events,
		cfg:        cfg,
		log:        log,
	}
}

// RequestResult is the answer to a job request.
type RequestResult struct {
	Job job.Job
	// Created is false when the request folded into an existing active job.
	Created bool
	// EstimatedTimeSeconds comes from the analysis service's acceptance and is
	// zero for deduplicated requests.
	EstimatedTimeSeconds int
}

// Request accepts one analysis request. Duplicates of in-flight work return
// the existing job. A newly created job is dispatched to the analysis service;
// when dispatch fails the job is recorded FAILED with the classified error and
// an error event is published, so the caller still gets a structured answer.
func (o *Orchestrator) Request(ctx context.Context, req dedup.Request) (RequestResult, error) {
	j, created, err := o.coord.RequestJob(ctx, req)
	if err != nil {
		return RequestResult{}, err
	}
	if !created {
		return RequestResult{Job: j}, nil
	}

	acc, err := o.dispatcher.Dispatch(ctx, downstream.DispatchRequest{
		TaskID:    j.TaskID,
		SubjectID: j.SubjectID,
		Kind:      j.Kind,
		Priority:  j.Priority,
	})
	if err != nil {
		failed := o.failJob(ctx, j.TaskID, dispatchErrorMessage(err), retryableDispatchError(err), "dispatch")
		if failed != nil {
			j = *failed
		}
		return RequestResult{Job: j, Created: true}, fmt.Errorf("dispatch job %s: %w", j.TaskID, err)
	}

	return RequestResult{Job: j, Created: true, EstimatedTimeSeconds: acc.EstimatedTimeSeconds}, nil
}

// Status returns the job, serving from the cache when possible. Every
// transition invalidates the status key, and the short TTL bounds staleness
// for the polling fast path when an invalidation is lost. Terminal records
// never change, so they stay cached for the longer result TTL.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (job.Job, error) {
	key := cache.Key(cache.NamespaceJobStatus, taskID)
	var cached job.Job
	if o.cache.GetJSON(ctx, key, &cached) && cached.TaskID == taskID {
		return cached, nil
	}

	j, err := o.store.Get(ctx, taskID)
	if err != nil {
		return job.Job{}, err
	}
	ttl := o.cfg.StatusTTL
	if j.Status.Terminal() {
		ttl = o.cfg.ResultTTL
	}
	o.cache.SetJSON(ctx, key, j, ttl)
	return j, nil
}

// Result returns a completed job together with its cached result payload.
// The payload is nil when the cache no longer holds it; callers then follow
// the job's ResultRef.
func (o *Orchestrator) Result(ctx context.Context, taskID string) (job.Job, json.RawMessage, error) {
	j, err := o.Status(ctx, taskID)
	if err != nil {
		return job.Job{}, nil, err
	}
	if j.Status != job.StatusCompleted {
		return j, nil, nil
	}
	payload, _ := o.cache.Get(ctx, cache.Key(cache.NamespaceAnalysisResult, j.SubjectID))
	return j, payload, nil
}

// HandleProgress ingests a progress report from the analysis service. The
// first report moves a PENDING job to PROCESSING; later reports only raise the
// progress figure. Subscribers see a status-update event either way.
func (o *Orchestrator) HandleProgress(ctx context.Context, taskID string, progress int, message string) (job.Job, error) {
	j, err := o.store.Get(ctx, taskID)
	if err != nil {
		return job.Job{}, err
	}

	switch j.Status {
	case job.StatusPending:
		p := progress
		j, err = o.transition(ctx, taskID, job.StatusProcessing, job.Patch{Progress: &p, Actor: "worker-callback"})
	case job.StatusProcessing:
		j, err = o.store.UpdateProgress(ctx, taskID, progress)
	default:
		// Late report for a terminal job; at-least-once delivery makes this
		// normal. Nothing to record.
		return j, nil
	}
	if err != nil {
		return job.Job{}, err
	}

	o.cache.Invalidate(ctx, cache.Key(cache.NamespaceJobStatus, taskID))
	o.publishStatus(ctx, j, message)
	return j, nil
}

// CompletionReport is the asynchronous answer from the analysis service.
type CompletionReport struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"` // "completed" or "failed"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HandleCompletion ingests a completion callback. The job is moved to its
// terminal state, caches are invalidated and repopulated, and subscribers
// receive a result or error event. Replayed callbacks for an already terminal
// job are acknowledged without effect.
func (o *Orchestrator) HandleCompletion(ctx context.Context, rep CompletionReport) (job.Job, error) {
	j, err := o.store.Get(ctx, rep.TaskID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status.Terminal() {
		return j, nil
	}

	// A worker may complete without ever reporting progress.
	if j.Status == job.StatusPending {
		if j, err = o.transition(ctx, rep.TaskID, job.StatusProcessing, job.Patch{Actor: "worker-callback"}); err != nil {
			return job.Job{}, err
		}
	}

	switch rep.Status {
	case "completed":
		resultRef := "results/" + rep.TaskID
		j, err = o.transition(ctx, rep.TaskID, job.StatusCompleted, job.Patch{ResultRef: &resultRef, Actor: "worker-callback"})
		if err != nil {
			return job.Job{}, err
		}

		// Invalidate first, then repopulate; the TTL bounds staleness if the
		// populate is lost.
		o.cache.Invalidate(ctx, cache.SubjectKeys(j.SubjectID)...)
		o.cache.Invalidate(ctx, cache.Key(cache.NamespaceJobStatus, j.TaskID))
		if len(rep.Result) > 0 {
			o.cache.Set(ctx, cache.Key(cache.NamespaceAnalysisResult, j.SubjectID), rep.Result, o.cfg.ResultTTL)
		}
		o.cache.SetJSON(ctx, cache.Key(cache.NamespaceJobStatus, j.TaskID), j, o.cfg.ResultTTL)

		o.publish(ctx, j, hub.Event{Name: "result", Data: map[string]any{
			"task_id": j.TaskID,
			"payload": rep.Result,
		}})
	case "failed":
		msg := rep.Error
		if msg == "" {
			msg = "analysis failed"
		}
		if failed := o.failJob(ctx, rep.TaskID, msg, true, "worker-callback"); failed != nil {
			j = *failed
		}
	default:
		return job.Job{}, fmt.Errorf("completion for %s has unknown status %q", rep.TaskID, rep.Status)
	}
	return j, nil
}

// Retry re-runs a FAILED job. The state machine admits only FAILED→PENDING,
// so retrying an active or completed job surfaces *job.InvalidTransitionError.
func (o *Orchestrator) Retry(ctx context.Context, taskID string) (job.Job, error) {
	j, err := o.transition(ctx, taskID, job.StatusPending, job.Patch{Actor: "api-retry"})
	if err != nil {
		return job.Job{}, err
	}
	o.cache.Invalidate(ctx, cache.Key(cache.NamespaceJobStatus, taskID))
	o.publishStatus(ctx, j, "retry requested")

	if _, err := o.dispatcher.Dispatch(ctx, downstream.DispatchRequest{
		TaskID:    j.TaskID,
		SubjectID: j.SubjectID,
		Kind:      j.Kind,
		Priority:  j.Priority,
	}); err != nil {
		if failed := o.failJob(ctx, j.TaskID, dispatchErrorMessage(err), retryableDispatchError(err), "dispatch"); failed != nil {
			j = *failed
		}
		return j, fmt.Errorf("dispatch retried job %s: %w", j.TaskID, err)
	}
	return j, nil
}

// Cancel administratively fails a job. The running worker is not preempted;
// its later reports land on a terminal record and are ignored.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (job.Job, error) {
	failed := o.failJob(ctx, taskID, "cancelled", false, "admin")
	if failed == nil {
		j, err := o.store.Get(ctx, taskID)
		if err != nil {
			return job.Job{}, err
		}
		return job.Job{}, &job.InvalidTransitionError{TaskID: taskID, From: j.Status, To: job.StatusFailed}
	}
	return *failed, nil
}

// failJob transitions a job to FAILED, invalidates its cache entries, and
// publishes an error event. Returns nil when the transition was rejected.
func (o *Orchestrator) failJob(ctx context.Context, taskID, message string, retryable bool, actor string) *job.Job {
	j, err := o.transition(ctx, taskID, job.StatusFailed, job.Patch{ErrorMessage: &message, Actor: actor})
	if err != nil {
		o.log.Warn("could not record job failure", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	o.cache.Invalidate(ctx, cache.SubjectKeys(j.SubjectID)...)
	o.cache.Invalidate(ctx, cache.Key(cache.NamespaceJobStatus, j.TaskID))
	o.publish(ctx, j, hub.Event{Name: "error", Data: map[string]any{
		"task_id":   j.TaskID,
		"message":   message,
		"retryable": retryable,
	}})
	return &j
}

func (o *Orchestrator) transition(ctx context.Context, taskID string, to job.Status, patch job.Patch) (job.Job, error) {
	from := job.Status("")
	if cur, err := o.store.Get(ctx, taskID); err == nil {
		from = cur.Status
	}
	j, err := o.store.Transition(ctx, taskID, to, patch)
	if err != nil {
		return job.Job{}, err
	}
	telemetry.ObserveJobTransition(string(from), string(to))
	o.log.Info("job transitioned",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", patch.Actor))
	return j, nil
}

func (o *Orchestrator) publishStatus(ctx context.Context, j job.Job, message string) {
	o.publish(ctx, j, hub.Event{Name: "status-update", Data: map[string]any{
		"task_id":  j.TaskID,
		"status":   string(j.Status),
		"progress": j.Progress,
		"message":  message,
	}})
}

// publish delivers ev to the job's room and the requester's room.
func (o *Orchestrator) publish(ctx context.Context, j job.Job, ev hub.Event) {
	o.events.Publish(ctx, hub.RoomName("analysis", j.TaskID), ev)
	if j.RequesterID != "" {
		o.events.Publish(ctx, hub.RoomName("requester", j.RequesterID), ev)
	}
}

func dispatchErrorMessage(err error) string {
	var open *resilient.CircuitOpenError
	if errors.As(err, &open) {
		return "analysis service unavailable (circuit open)"
	}
	var timeout *resilient.TimeoutError
	if errors.As(err, &timeout) {
		return "analysis service timed out"
	}
	var ds *resilient.DownstreamError
	if errors.As(err, &ds) {
		return ds.Error()
	}
	return err.Error()
}

// retryableDispatchError classifies dispatch failures for the error event:
// circuit-open and timeout conditions clear up on their own, downstream
// rejections answer for themselves.
func retryableDispatchError(err error) bool {
	var ds *resilient.DownstreamError
	if errors.As(err, &ds) {
		return ds.Retryable()
	}
	return true
}
