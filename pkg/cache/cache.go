// Package cache wraps an in-memory TTL cache behind a typed accessor so that
// periodically recomputed values (coverage plans, anomaly status) carry an
// explicit expiry instead of ad hoc timestamps.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is a TTL key/value cache.
type Store struct {
	internal *gocache.Cache
}

// NewStore creates a Store with the given default expiration and cleanup
// interval.
func NewStore(defaultExpiration, cleanupInterval time.Duration) *Store {
	return &Store{internal: gocache.New(defaultExpiration, cleanupInterval)}
}

// Set stores a value under key for the given duration.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	s.internal.Set(key, value, ttl)
}

// Get returns the raw value and whether it is present and unexpired.
func (s *Store) Get(key string) (interface{}, bool) {
	return s.internal.Get(key)
}

// Delete removes a key, forcing the next read to recompute.
func (s *Store) Delete(key string) {
	s.internal.Delete(key)
}

// Cached is a typed single-value cache entry with an explicit refresh
// operation. Readers tolerate stale-but-valid values; recomputation happens
// only when the TTL has lapsed or Invalidate was called.
type Cached[T any] struct {
	store *Store
	key   string
	ttl   time.Duration
}

// NewCached creates a typed entry backed by store.
func NewCached[T any](store *Store, key string, ttl time.Duration) *Cached[T] {
	return &Cached[T]{store: store, key: key, ttl: ttl}
}

// Get returns the cached value if present and unexpired.
func (c *Cached[T]) Get() (T, bool) {
	var zero T
	raw, ok := c.store.Get(c.key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// RefreshIfStale returns the cached value, recomputing it via compute only
// when missing or expired.
func (c *Cached[T]) RefreshIfStale(compute func() (T, error)) (T, error) {
	if v, ok := c.Get(); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	c.store.Set(c.key, v, c.ttl)
	return v, nil
}

// Set stores a value, restarting the TTL.
func (c *Cached[T]) Set(v T) {
	c.store.Set(c.key, v, c.ttl)
}

// Invalidate drops the entry so the next read recomputes.
func (c *Cached[T]) Invalidate() {
	c.store.Delete(c.key)
}
