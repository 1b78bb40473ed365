package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/clock"
)

type window struct {
	count int
	start time.Time
}

// MemoryStore is the in-process CounterStore fallback. Windows reset lazily on
// increment; StartSweeper bounds memory by clearing stale entries.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
	clock   clock.Clock
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{windows: make(map[string]window), clock: clk}
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, windowDur time.Duration) (int, time.Time, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= windowDur {
		w = window{start: now}
	}
	w.count++
	s.windows[key] = w
	return w.count, w.start, nil
}

// StartSweeper deletes windows older than maxAge every interval until ctx is
// cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval, maxAge time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(maxAge); n > 0 {
					log.Debug("swept stale admission windows", zap.Int("removed", n))
				}
			}
		}
	}()
}

func (s *MemoryStore) sweep(maxAge time.Duration) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		if now.Sub(w.start) >= maxAge {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
