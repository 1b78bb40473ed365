package resilient

import (
	"fmt"
	"time"
)

// CircuitOpenError is returned without attempting a network call while the
// target's breaker is OPEN.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for target %q, retry after %s", e.Target, e.RetryAfter)
}

// TimeoutError is returned when the overall call budget elapses, regardless of
// how many retry attempts remained.
type TimeoutError struct {
	Target string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to target %q exceeded its timeout budget", e.Target)
}

// DownstreamError is a response-level rejection from the target. Status codes
// in the 5xx range are retryable; 4xx-equivalent rejections are terminal.
type DownstreamError struct {
	Target     string
	StatusCode int
	Message    string
}

func (e *DownstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("target %q responded with status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("target %q responded with status %d: %s", e.Target, e.StatusCode, e.Message)
}

// Retryable reports whether the rejection may succeed on a retry.
func (e *DownstreamError) Retryable() bool {
	return e.StatusCode >= 500
}
