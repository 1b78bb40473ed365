// Package resilient wraps outbound calls with a timeout budget, jittered
// exponential retry, and a per-target CLOSED/OPEN/HALF_OPEN circuit breaker.
package resilient

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// Policy configures calls to one target.
type Policy struct {
	// OverallTimeout bounds the whole call including retries and backoff.
	OverallTimeout time.Duration
	// MaxAttempts caps tries per call, the first attempt included.
	MaxAttempts int
	// BaseDelay and MaxDelay shape the capped exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ErrorRateThreshold trips the breaker once the failure share over the
	// counting window reaches it, provided MinRequests were seen.
	ErrorRateThreshold float64
	WindowDuration     time.Duration
	MinRequests        int
	// CoolDown is how long the breaker stays OPEN before admitting a probe.
	CoolDown time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.OverallTimeout <= 0 {
		p.OverallTimeout = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.ErrorRateThreshold <= 0 {
		p.ErrorRateThreshold = 0.5
	}
	if p.WindowDuration <= 0 {
		p.WindowDuration = 30 * time.Second
	}
	if p.MinRequests <= 0 {
		p.MinRequests = 5
	}
	if p.CoolDown <= 0 {
		p.CoolDown = 15 * time.Second
	}
	return p
}

// Caller executes functions against named targets under their policies.
// Breakers are created lazily per target and live for the process lifetime.
type Caller struct {
	mu            sync.Mutex
	breakers      map[string]*breaker
	policies      map[string]Policy
	defaultPolicy Policy
	clock         clock.Clock
	sleep         func(ctx context.Context, d time.Duration) error
	log           *zap.Logger
}

// New constructs a Caller with a default policy for unconfigured targets.
func New(defaultPolicy Policy, log *zap.Logger) *Caller {
	if log == nil {
		log = zap.NewNop()
	}
	telemetry.Init()
	return &Caller{
		breakers:      make(map[string]*breaker),
		policies:      make(map[string]Policy),
		defaultPolicy: defaultPolicy.withDefaults(),
		clock:         system.New(),
		sleep:         sleepCtx,
		log:           log,
	}
}

// NewWithClock constructs a Caller with an injected clock and sleep function
// so tests drive time directly.
func NewWithClock(defaultPolicy Policy, clk clock.Clock, sleep func(ctx context.Context, d time.Duration) error, log *zap.Logger) *Caller {
	c := New(defaultPolicy, log)
	c.clock = clk
	if sleep != nil {
		c.sleep = sleep
	}
	return c
}

// SetPolicy overrides the policy for one target. Must be called before the
// target's first Call; later changes do not rebuild an existing breaker.
func (c *Caller) SetPolicy(target string, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[target] = p.withDefaults()
}

// TargetState reports the breaker state for a target, CLOSED when the target
// has never been called.
func (c *Caller) TargetState(target string) State {
	c.mu.Lock()
	b, ok := c.breakers[target]
	c.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

// Call runs fn against target under the target's policy. Retries apply only
// when idempotent is true, and only for network-level failures and retryable
// downstream rejections. The overall timeout wins over remaining attempts and
// surfaces as *TimeoutError; an OPEN breaker surfaces as *CircuitOpenError
// with no attempt made.
func (c *Caller) Call(ctx context.Context, target string, idempotent bool, fn func(context.Context) error) error {
	b := c.breakerFor(target)
	policy := b.policy

	ctx, cancel := context.WithTimeout(ctx, policy.OverallTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := b.allow(); err != nil {
			telemetry.ObserveOutboundCall(target, "short_circuit")
			return err
		}

		err := fn(ctx)
		if err == nil {
			b.record(true)
			telemetry.ObserveOutboundCall(target, "success")
			return nil
		}

		b.record(false)
		telemetry.ObserveOutboundCall(target, "failure")
		lastErr = err

		if budgetExceeded(ctx) {
			return &TimeoutError{Target: target}
		}
		if !idempotent || !retryable(err) || attempt == policy.MaxAttempts-1 {
			return lastErr
		}

		delay := backoff(policy, attempt)
		c.log.Debug("retrying outbound call",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			if budgetExceeded(ctx) {
				return &TimeoutError{Target: target}
			}
			return err
		}
	}
	return lastErr
}

func (c *Caller) breakerFor(target string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[target]
	if !ok {
		policy, ok := c.policies[target]
		if !ok {
			policy = c.defaultPolicy
		}
		b = newBreaker(target, policy, c.clock, c.log)
		c.breakers[target] = b
	}
	return b
}

// retryable classifies failures: downstream rejections answer for themselves,
// context errors never retry, everything else is treated as a network-level
// failure.
func retryable(err error) bool {
	var dsErr *DownstreamError
	if errors.As(err, &dsErr) {
		return dsErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// budgetExceeded reports whether the call's deadline, not an upstream cancel,
// ended the context.
func budgetExceeded(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func backoff(p Policy, attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
