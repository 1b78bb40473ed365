package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCanTransitionTable walks every edge of the status state machine.
func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusFailed},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	statuses := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	allowedSet := map[[2]Status]bool{}
	for _, tc := range allowed {
		allowedSet[[2]Status{tc.from, tc.to}] = true
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if allowedSet[[2]Status{from, to}] {
				continue
			}
			require.False(t, CanTransition(from, to), "%s -> %s should be rejected", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusProcessing.Terminal())
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPending.Valid())
	require.False(t, Status("QUEUED").Valid())
}
