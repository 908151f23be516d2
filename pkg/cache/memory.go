package cache

import (
	"context"
	"fmt"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-memory cache implementation using otter. Entries have no
// time-based expiry of their own: token expiry is decided by Expiring, which
// knows how to read issued_at and expires_in.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	counter *stats.Counter
}

// NewMemory creates a new in-memory cache bounded to maxSize entries.
func NewMemory[T any](maxSize int) (*Memory[T], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxSize)
	}

	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, T]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
	})

	return &Memory[T]{
		cache:   cache,
		counter: counter,
	}, nil
}

// Stats returns a snapshot of the hit, miss and eviction counters.
func (m *Memory[T]) Stats() stats.Stats {
	return m.counter.Snapshot()
}

// Get retrieves a token from the cache.
// Returns the token, whether it was found, and any error.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value, true, nil
}

// Set stores a token in the cache.
func (m *Memory[T]) Set(ctx context.Context, key string, token T) error {
	m.cache.Set(key, token)
	return nil
}

// Invalidate removes a token from the cache.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}
