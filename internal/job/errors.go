package job

import "fmt"

// InvalidTransitionError rejects a status change the state machine does not
// allow. The stored record is left unchanged.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}
