// Package admission applies fixed-window rate limits before work is accepted.
// Counters live in a shared durable store when one is configured; when that
// store is unavailable the controller degrades to a per-process fallback with
// the same semantics, so limits become per-instance instead of global rather
// than failing requests.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// Policy configures one protected operation category.
type Policy struct {
	WindowDuration time.Duration
	MaxCount       int
	// BlockDuration extends the lockout past the window once the limit is
	// exceeded. Zero means blocked only until the window resets.
	BlockDuration time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CounterStore atomically increments the counter for key within the current
// fixed window, creating or resetting the window as needed. It returns the
// post-increment count and the window's start.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

// Controller checks (clientKey, category) pairs against configured policies.
type Controller struct {
	primary  CounterStore
	fallback CounterStore
	policies map[string]Policy
	clock    clock.Clock
	log      *zap.Logger

	blocks *blockList
}

// Option configures a Controller.
type Option func(*Controller)

// WithDurableStore sets the shared counter store tried before the in-process
// fallback.
func WithDurableStore(s CounterStore) Option {
	return func(c *Controller) { c.primary = s }
}

// WithFallbackStore replaces the default in-process fallback. Useful when the
// caller wants to run the fallback's sweeper itself.
func WithFallbackStore(s CounterStore) Option {
	return func(c *Controller) { c.fallback = s }
}

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// New constructs a Controller. Categories missing from policies are admitted
// unconditionally.
func New(policies map[string]Policy, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	telemetry.Init()
	c := &Controller{
		policies: policies,
		clock:    system.New(),
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fallback == nil {
		c.fallback = NewMemoryStore(c.clock)
	}
	c.blocks = newBlockList(c.clock)
	return c
}

// Check admits or blocks one operation for clientKey in category. A blocked
// decision carries how long the caller must wait before retrying.
func (c *Controller) Check(ctx context.Context, clientKey, category string) Decision {
	policy, ok := c.policies[category]
	if !ok || policy.MaxCount <= 0 {
		return Decision{Allowed: true}
	}

	key := category + ":" + clientKey
	now := c.clock.Now()

	if until, blocked := c.blocks.active(key, now); blocked {
		telemetry.ObserveAdmission(category, "blocked")
		return Decision{RetryAfter: until.Sub(now)}
	}

	count, windowStart, err := c.increment(ctx, key, policy.WindowDuration)
	if err != nil {
		// Both backings down. Admission control protects resources, it must
		// not take the service down with it.
		c.log.Error("admission counters unavailable, admitting request", zap.String("category", category), zap.Error(err))
		telemetry.ObserveAdmission(category, "allowed")
		return Decision{Allowed: true}
	}

	if count > policy.MaxCount {
		retryAfter := windowStart.Add(policy.WindowDuration).Sub(now)
		if policy.BlockDuration > 0 {
			retryAfter = policy.BlockDuration
			c.blocks.add(key, now.Add(policy.BlockDuration))
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		c.log.Warn("request blocked by admission control",
			zap.String("category", category),
			zap.String("client_key", clientKey),
			zap.Int("count", count),
			zap.Duration("retry_after", retryAfter))
		telemetry.ObserveAdmission(category, "blocked")
		return Decision{RetryAfter: retryAfter}
	}

	telemetry.ObserveAdmission(category, "allowed")
	return Decision{Allowed: true}
}

func (c *Controller) increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if c.primary != nil {
		count, start, err := c.primary.Increment(ctx, key, window)
		if err == nil {
			return count, start, nil
		}
		c.log.Warn("durable admission store unavailable, falling back to in-process counters", zap.Error(err))
	}
	return c.fallback.Increment(ctx, key, window)
}

// blockList tracks keys serving an explicit block duration.
type blockList struct {
	clock clock.Clock
	mu    sync.Mutex
	until map[string]time.Time
}

func newBlockList(clk clock.Clock) *blockList {
	return &blockList{clock: clk, until: make(map[string]time.Time)}
}

// add records a block and drops entries that have already expired, so keys of
// clients that never come back do not accumulate.
func (b *blockList) add(key string, until time.Time) {
	now := b.clock.Now()
	b.mu.Lock()
	for k, u := range b.until {
		if !now.Before(u) {
			delete(b.until, k)
		}
	}
	b.until[key] = until
	b.mu.Unlock()
}

func (b *blockList) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.until)
}

func (b *blockList) active(key string, now time.Time) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[key]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(b.until, key)
		return time.Time{}, false
	}
	return until, true
}
