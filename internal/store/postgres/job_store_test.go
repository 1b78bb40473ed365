package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/store"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

var testNow = time.Unix(1700000000, 0).UTC()

func jobRow(taskID string, status job.Status, progress int) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "task_id", "subject_id", "requester_id", "kind", "status", "progress", "priority",
		"created_at", "started_at", "completed_at", "error_message", "result_ref", "history",
	}).AddRow(
		int64(7), taskID, "P1", "client-a", "review-analysis", string(status), progress, 0,
		testNow, nil, nil, nil, nil, []byte(`[]`),
	)
}

func serializableBegin(mock pgxmock.PgxPoolIface) {
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
}

func TestCreateOrGetActiveReturnsExistingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	serializableBegin(mock)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("P1", "review-analysis", false, "client-a").
		WillReturnRows(jobRow("T1", job.StatusPending, 0))
	mock.ExpectCommit()

	got, created, err := s.CreateOrGetActive(context.Background(), store.CreateParams{
		TaskID:      "T2",
		SubjectID:   "P1",
		RequesterID: "client-a",
		Kind:        "review-analysis",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "T1", got.TaskID)
	require.Equal(t, job.StatusPending, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetActiveInsertsWhenNoActiveJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	serializableBegin(mock)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("P1", "review-analysis", false, "client-a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO analysis_jobs").
		WithArgs("T1", "P1", "client-a", "review-analysis", "PENDING", 5, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	got, created, err := s.CreateOrGetActive(context.Background(), store.CreateParams{
		TaskID:      "T1",
		SubjectID:   "P1",
		RequesterID: "client-a",
		Kind:        "review-analysis",
		Priority:    5,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(42), got.ID)
	require.Equal(t, job.StatusPending, got.Status)
	require.Equal(t, testNow, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetActiveMapsUniqueViolationToConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	serializableBegin(mock)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("P1", "review-analysis", false, "client-a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO analysis_jobs").
		WithArgs("T1", "P1", "client-a", "review-analysis", "PENDING", 0, testNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, _, err = s.CreateOrGetActive(context.Background(), store.CreateParams{
		TaskID:      "T1",
		SubjectID:   "P1",
		RequesterID: "client-a",
		Kind:        "review-analysis",
	})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAppliesStatusChange(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("T1").
		WillReturnRows(jobRow("T1", job.StatusPending, 0))
	mock.ExpectExec("UPDATE analysis_jobs").
		WithArgs("T1", "PROCESSING", 10, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	progress := 10
	got, err := s.Transition(context.Background(), "T1", job.StatusProcessing, job.Patch{
		Progress: &progress,
		Actor:    "worker-callback",
	})
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
	require.Equal(t, 10, got.Progress)
	require.NotNil(t, got.StartedAt)
	require.Len(t, got.History, 1)
	require.Equal(t, job.StatusPending, got.History[0].From)
	require.Equal(t, "worker-callback", got.History[0].Actor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsIllegalChange(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("T1").
		WillReturnRows(jobRow("T1", job.StatusCompleted, 100))
	mock.ExpectRollback()

	_, err = s.Transition(context.Background(), "T1", job.StatusProcessing, job.Patch{Actor: "api"})
	var invalid *job.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, job.StatusCompleted, invalid.From)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = s.Transition(context.Background(), "missing", job.StatusProcessing, job.Patch{})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressClampsViaSQL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE analysis_jobs").
		WithArgs("T1", 55).
		WillReturnRows(jobRow("T1", job.StatusProcessing, 55))

	got, err := s.UpdateProgress(context.Background(), "T1", 55)
	require.NoError(t, err)
	require.Equal(t, 55, got.Progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressRejectsNonProcessingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE analysis_jobs").
		WithArgs("T1", 55).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("T1").
		WillReturnRows(jobRow("T1", job.StatusPending, 0))

	_, err = s.UpdateProgress(context.Background(), "T1", 55)
	var invalid *job.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, job.StatusPending, invalid.From)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewJobStoreWithPool(mock, fixedClock{at: testNow})
	require.NoError(t, err)

	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
