package resilient

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker tracks failure rate for one target over a fixed counting window.
// State is process local; each instance protects itself independently.
type breaker struct {
	mu     sync.Mutex
	target string
	policy Policy
	clock  clock.Clock
	log    *zap.Logger

	state       State
	windowStart time.Time
	requests    int
	failures    int
	nextProbeAt time.Time
	probing     bool
}

func newBreaker(target string, policy Policy, clk clock.Clock, log *zap.Logger) *breaker {
	return &breaker{
		target: target,
		policy: policy,
		clock:  clk,
		log:    log,
		state:  StateClosed,
	}
}

// allow reports whether a call may proceed. While OPEN it fails fast with
// *CircuitOpenError until the cool-down elapses, then admits exactly one
// HALF_OPEN probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.nextProbeAt) {
			return &CircuitOpenError{Target: b.target, RetryAfter: b.nextProbeAt.Sub(now)}
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &CircuitOpenError{Target: b.target, RetryAfter: b.policy.CoolDown}
		}
		b.probing = true
		return nil
	}
	return nil
}

// record feeds one call outcome into the state machine.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if success {
			b.reset(now)
			b.setState(StateClosed)
			return
		}
		b.nextProbeAt = now.Add(b.policy.CoolDown)
		b.setState(StateOpen)
	case StateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.policy.WindowDuration {
			b.reset(now)
		}
		b.requests++
		if !success {
			b.failures++
		}
		if b.requests >= b.policy.MinRequests && b.errorRate() >= b.policy.ErrorRateThreshold {
			b.nextProbeAt = now.Add(b.policy.CoolDown)
			b.setState(StateOpen)
		}
	case StateOpen:
		// A call admitted before the trip finished after it; the outcome no
		// longer influences the open breaker.
	}
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) errorRate() float64 {
	if b.requests == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.requests)
}

func (b *breaker) reset(now time.Time) {
	b.windowStart = now
	b.requests = 0
	b.failures = 0
}

func (b *breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.log.Info("circuit breaker state change",
		zap.String("target", b.target),
		zap.String("from", b.state.String()),
		zap.String("to", s.String()))
	telemetry.ObserveBreakerTransition(b.target, s.String())
	b.state = s
}
