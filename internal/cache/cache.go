// Package cache implements a cache-aside store over a pluggable key-value
// backing. Reads fail open: a backing failure is reported as a miss so the
// caller falls through to the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/clock"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// ErrMiss is returned by a Backing when the key is absent or expired. Readers
// cannot distinguish the two cases.
var ErrMiss = errors.New("cache miss")

// Key namespaces. Each carries its own TTL policy: status entries are short
// lived, completed results are kept longer.
const (
	NamespaceJobStatus      = "job-status"
	NamespaceAnalysisResult = "analysis-result"
)

// Key builds a namespaced cache key.
func Key(namespace, id string) string {
	return namespace + ":" + id
}

// Backing is the low-latency key-value store underneath the cache.
type Backing interface {
	// Get returns the stored value, or ErrMiss when the key is absent or past
	// its TTL.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// Store is the cache-aside front. All methods are safe for concurrent use when
// the backing is.
type Store struct {
	backing Backing
	clock   clock.Clock
	log     *zap.Logger
}

// New constructs a Store over the given backing.
func New(backing Backing, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	telemetry.Init()
	return &Store{backing: backing, clock: system.New(), log: log}
}

// NewWithClock constructs a Store with an injected clock for tests.
func NewWithClock(backing Backing, c clock.Clock, log *zap.Logger) *Store {
	s := New(backing, log)
	s.clock = c
	return s
}

// Get reads a key. The bool reports a hit. Backing failures degrade to a miss
// and bump the error counter; Get never returns an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := s.backing.Get(ctx, key)
	switch {
	case err == nil:
		s.observe(key, "hit")
		return v, true
	case errors.Is(err, ErrMiss):
		s.observe(key, "miss")
		return nil, false
	default:
		s.observe(key, "error")
		s.log.Warn("cache backing read failed, serving miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
}

// GetJSON reads a key and unmarshals it into dest. Decode failures count as
// misses; a corrupt entry is dropped so it cannot be served again.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.Warn("cache entry is not valid JSON, invalidating", zap.String("key", key), zap.Error(err))
		s.Invalidate(ctx, key)
		return false
	}
	return true
}

// Set stores a value with a TTL. Failures are logged, not surfaced.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.backing.Set(ctx, key, value, ttl); err != nil {
		s.log.Warn("cache backing write failed", zap.String("key", key), zap.Error(err))
	}
}

// SetJSON marshals v and stores it with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("cache value not marshalable", zap.String("key", key), zap.Error(err))
		return
	}
	s.Set(ctx, key, raw, ttl)
}

// Invalidate removes the given keys. Failures are logged, not surfaced; the
// TTL bounds staleness when an invalidation is lost.
func (s *Store) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.backing.Delete(ctx, keys...); err != nil {
		s.log.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (s *Store) observe(key, outcome string) {
	telemetry.ObserveCacheRead(namespaceOf(key), outcome, s.clock.Now())
}

func namespaceOf(key string) string {
	ns, _, ok := strings.Cut(key, ":")
	if !ok {
		return "unknown"
	}
	return ns
}

// SubjectKeys lists every cache key derived from a subject, for batch
// invalidation after a job transition.
func SubjectKeys(subjectID string) []string {
	return []string{
		Key(NamespaceJobStatus, subjectID),
		Key(NamespaceAnalysisResult, subjectID),
	}
}
