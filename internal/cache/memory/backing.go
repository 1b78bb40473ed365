// Package memory provides an in-memory cache backing for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reviewpulse/insightd/internal/cache"
	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Backing keeps entries in a map with lazy expiry on read.
type Backing struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   clock.Clock
}

// New constructs an empty Backing.
func New() *Backing {
	return &Backing{entries: make(map[string]entry), clock: system.New()}
}

// NewWithClock constructs a Backing with an injected clock for tests.
func NewWithClock(c clock.Clock) *Backing {
	b := New()
	b.clock = c
	return b
}

// Get implements cache.Backing.
func (b *Backing) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, cache.ErrMiss
	}
	if e.expired(b.clock.Now()) {
		b.mu.Lock()
		// Recheck under the write lock; a Set may have raced the expiry.
		if cur, ok := b.entries[key]; ok && cur.expired(b.clock.Now()) {
			delete(b.entries, key)
		}
		b.mu.Unlock()
		return nil, cache.ErrMiss
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

// Set implements cache.Backing.
func (b *Backing) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = b.clock.Now().Add(ttl)
	}
	b.mu.Lock()
	b.entries[key] = e
	b.mu.Unlock()
	return nil
}

// Delete implements cache.Backing.
func (b *Backing) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.entries, k)
	}
	b.mu.Unlock()
	return nil
}
