// Package postgres implements the shared admission counter store.
//
// Schema:
//
//	CREATE TABLE admission_windows (
//	    key          TEXT PRIMARY KEY,
//	    count        INTEGER     NOT NULL,
//	    window_start TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
)

// The whole reset-or-increment runs as one statement, so concurrent callers
// across instances serialize on the row without an explicit transaction.
const incrementSQL = `
INSERT INTO admission_windows (key, count, window_start)
VALUES ($1, 1, $2)
ON CONFLICT (key) DO UPDATE SET
    count = CASE WHEN admission_windows.window_start <= $3 THEN 1 ELSE admission_windows.count + 1 END,
    window_start = CASE WHEN admission_windows.window_start <= $3 THEN $2 ELSE admission_windows.window_start END
RETURNING count, window_start`

// CounterStore backs admission counters with a shared Postgres table, making
// limits global across service instances.
type CounterStore struct {
	pool  pool
	clock clock.Clock
}

// pool is the slice of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New constructs a CounterStore on an existing pool.
func New(p *pgxpool.Pool) *CounterStore {
	return &CounterStore{pool: p, clock: system.New()}
}

// NewWithPool constructs a CounterStore on any pool-shaped value, for tests.
func NewWithPool(p pool, clk clock.Clock) *CounterStore {
	return &CounterStore{pool: p, clock: clk}
}

// Increment implements admission.CounterStore.
func (s *CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.clock.Now()
	staleBefore := now.Add(-window)

	var count int
	var windowStart time.Time
	err := s.pool.QueryRow(ctx, incrementSQL, key, now, staleBefore).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment admission counter %q: %w", key, err)
	}
	return count, windowStart, nil
}
