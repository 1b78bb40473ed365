package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

var testNow = time.Unix(1700000000, 0).UTC()

func TestIncrementReturnsCountAndWindow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock, fixedClock{at: testNow})

	windowStart := testNow.Add(-30 * time.Second)
	mock.ExpectQuery("INSERT INTO admission_windows").
		WithArgs("job-creation:client-a", testNow, testNow.Add(-time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "window_start"}).AddRow(4, windowStart))

	count, start, err := s.Increment(context.Background(), "job-creation:client-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.Equal(t, windowStart, start)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementSurfacesStoreError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock, fixedClock{at: testNow})

	mock.ExpectQuery("INSERT INTO admission_windows").
		WithArgs("job-creation:client-a", testNow, testNow.Add(-time.Minute)).
		WillReturnError(errors.New("connection refused"))

	_, _, err = s.Increment(context.Background(), "job-creation:client-a", time.Minute)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
