// Package postgres provides the pgx-backed JobStore implementation.
//
// Expected schema:
//
//	CREATE TABLE analysis_jobs (
//	    id            BIGSERIAL PRIMARY KEY,
//	    task_id       UUID        NOT NULL UNIQUE,
//	    subject_id    TEXT        NOT NULL,
//	    requester_id  TEXT        NOT NULL,
//	    kind          TEXT        NOT NULL,
//	    status        TEXT        NOT NULL,
//	    progress      INT         NOT NULL DEFAULT 0,
//	    priority      INT         NOT NULL DEFAULT 0,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    started_at    TIMESTAMPTZ,
//	    completed_at  TIMESTAMPTZ,
//	    error_message TEXT,
//	    result_ref    TEXT,
//	    history       JSONB       NOT NULL DEFAULT '[]'
//	);
//	CREATE UNIQUE INDEX analysis_jobs_active_key
//	    ON analysis_jobs (subject_id, requester_id, kind)
//	    WHERE status IN ('PENDING', 'PROCESSING');
//
// The partial unique index is the backstop for the dedup race: two concurrent
// serializable transactions that both observe "no active job" cannot both
// commit an insert for the same key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// JobStore implements store.JobStore on Postgres.
type JobStore struct {
	pool  pgxPool
	clock clock.Clock
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, clock: system.New()}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool, letting the
// caller share one pool across components (and tests inject pgxmock).
func NewJobStoreWithPool(pool pgxPool, c clock.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if c == nil {
		c = system.New()
	}
	return &JobStore{pool: pool, clock: c}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, task_id, subject_id, requester_id, kind, status, progress, priority,
	created_at, started_at, completed_at, error_message, result_ref, history`

const selectActiveSQL = `
SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE subject_id = $1 AND kind = $2
  AND ($3 OR requester_id = $4)
  AND status IN ('PENDING', 'PROCESSING')
ORDER BY id
LIMIT 1`

const insertJobSQL = `
INSERT INTO analysis_jobs (task_id, subject_id, requester_id, kind, status, priority, created_at, history)
VALUES ($1, $2, $3, $4, $5, $6, $7, '[]')
RETURNING id`

// CreateOrGetActive implements store.JobStore. The lookup and insert run in
// one serializable transaction; serialization failures and unique-index
// violations both surface as store.ErrConflict so the coordinator can retry.
func (s *JobStore) CreateOrGetActive(ctx context.Context, p store.CreateParams) (job.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return job.Job{}, false, fmt.Errorf("begin dedup tx: %w", err)
	}
	defer rollback(ctx, tx)

	existing, err := scanJob(tx.QueryRow(ctx, selectActiveSQL, p.SubjectID, p.Kind, p.SubjectScoped, p.RequesterID))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return job.Job{}, false, mapTxErr("commit dedup tx", err)
		}
		return existing, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// No active job; fall through to insert.
	default:
		return job.Job{}, false, mapTxErr("lookup active job", err)
	}

	created := job.Job{
		TaskID:      p.TaskID,
		SubjectID:   p.SubjectID,
		RequesterID: p.RequesterID,
		Kind:        p.Kind,
		Status:      job.StatusPending,
		Priority:    p.Priority,
		CreatedAt:   s.clock.Now(),
	}
	err = tx.QueryRow(ctx, insertJobSQL,
		created.TaskID,
		created.SubjectID,
		created.RequesterID,
		created.Kind,
		string(created.Status),
		created.Priority,
		created.CreatedAt,
	).Scan(&created.ID)
	if err != nil {
		return job.Job{}, false, mapTxErr("insert job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return job.Job{}, false, mapTxErr("commit dedup tx", err)
	}
	return created, true, nil
}

const selectForUpdateSQL = `
SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE task_id = $1
FOR UPDATE`

const updateJobSQL = `
UPDATE analysis_jobs
SET status = $2, progress = $3, started_at = $4, completed_at = $5,
    error_message = $6, result_ref = $7, history = $8
WHERE task_id = $1`

// Transition implements store.JobStore. The row lock taken by SELECT ... FOR
// UPDATE totally orders transitions for a single job.
func (s *JobStore) Transition(ctx context.Context, taskID string, to job.Status, patch job.Patch) (job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return job.Job{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer rollback(ctx, tx)

	j, err := scanJob(tx.QueryRow(ctx, selectForUpdateSQL, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, store.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("lock job %s: %w", taskID, err)
	}
	if !job.CanTransition(j.Status, to) {
		return job.Job{}, &job.InvalidTransitionError{TaskID: taskID, From: j.Status, To: to}
	}

	now := s.clock.Now()
	j.History = append(j.History, job.HistoryEntry{From: j.Status, To: to, At: now, Actor: patch.Actor})

	switch to {
	case job.StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case job.StatusCompleted, job.StatusFailed:
		j.CompletedAt = &now
	case job.StatusPending:
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

	historyJSON, err := json.Marshal(j.History)
	if err != nil {
		return job.Job{}, fmt.Errorf("marshal history: %w", err)
	}
	if _, err := tx.Exec(ctx, updateJobSQL,
		taskID,
		string(j.Status),
		j.Progress,
		j.StartedAt,
		j.CompletedAt,
		nullable(j.ErrorMessage),
		nullable(j.ResultRef),
		historyJSON,
	); err != nil {
		return job.Job{}, fmt.Errorf("update job %s: %w", taskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return job.Job{}, fmt.Errorf("commit transition tx: %w", err)
	}
	return j, nil
}

const updateProgressSQL = `
UPDATE analysis_jobs
SET progress = GREATEST(progress, LEAST(GREATEST($2, 0), 100))
WHERE task_id = $1 AND status = 'PROCESSING'
RETURNING ` + jobColumns

// UpdateProgress implements store.JobStore. The GREATEST/LEAST clamp keeps
// progress monotonic non-decreasing even when reports arrive out of order.
func (s *JobStore) UpdateProgress(ctx context.Context, taskID string, progress int) (job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, updateProgressSQL, taskID, progress))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, fmt.Errorf("update progress %s: %w", taskID, err)
	}
	// Either the job is missing or it is not PROCESSING; distinguish for the
	// caller.
	current, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return job.Job{}, getErr
	}
	return job.Job{}, &job.InvalidTransitionError{TaskID: taskID, From: current.Status, To: job.StatusProcessing}
}

const selectJobSQL = `
SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE task_id = $1`

// Get implements store.JobStore.
func (s *JobStore) Get(ctx context.Context, taskID string) (job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, selectJobSQL, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, store.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("get job %s: %w", taskID, err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j         job.Job
		status    string
		errMsg    *string
		resultRef *string
		history   []byte
	)
	err := row.Scan(
		&j.ID,
		&j.TaskID,
		&j.SubjectID,
		&j.RequesterID,
		&j.Kind,
		&status,
		&j.Progress,
		&j.Priority,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
		&errMsg,
		&resultRef,
		&history,
	)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if resultRef != nil {
		j.ResultRef = *resultRef
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.History); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return j, nil
}

// mapTxErr converts serialization failures, deadlocks, and unique-index
// violations into store.ErrConflict.
func mapTxErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %w", op, store.ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// Rollback after a successful commit is a no-op error by contract.
	_ = tx.Rollback(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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
