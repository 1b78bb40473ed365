// Package clock abstracts time for components whose behavior depends on it.
package clock

import "time"

// Clock supplies the current time. The circuit breaker, admission windows, and
// cache TTLs all read time through this interface so tests can drive it.
type Clock interface {
	Now() time.Time
}
