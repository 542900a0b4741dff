// Package cache provides a small read-through cache that keeps serving the
// last good value when a refresh fails.
package cache

import (
	"context"
	"sync"
	"time"
)

// FetchFunc loads a fresh value.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Result is what Get hands back: the value, when it was fetched, and whether
// it is a fallback after a failed refresh.
type Result[T any] struct {
	Value     T
	FetchedAt time.Time
	Stale     bool
}

// TTL caches one value for a fixed time-to-live. The lock is held across the
// fetch so concurrent callers share a single upstream request.
type TTL[T any] struct {
	mu        sync.Mutex
	ttl       time.Duration
	value     T
	fetchedAt time.Time
	has       bool
	now       func() time.Time
}

// NewTTL creates a cache whose entries expire after ttl.
func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{ttl: ttl, now: time.Now}
}

// Get returns the cached value while it is fresh, otherwise calls fetch.
// If fetch fails and an older value exists it is returned with Stale set and
// a nil error; with nothing cached the fetch error is returned.
func (c *TTL[T]) Get(ctx context.Context, fetch FetchFunc[T]) (Result[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.has && now.Sub(c.fetchedAt) < c.ttl {
		return Result[T]{Value: c.value, FetchedAt: c.fetchedAt}, nil
	}

	v, err := fetch(ctx)
	if err != nil {
		if c.has {
			return Result[T]{Value: c.value, FetchedAt: c.fetchedAt, Stale: true}, nil
		}
		var zero T
		return Result[T]{Value: zero}, err
	}

	c.value = v
	c.fetchedAt = now
	c.has = true
	return Result[T]{Value: v, FetchedAt: now}, nil
}

// Peek returns the cached value without refreshing.
func (c *TTL[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.has
}

// Invalidate forces the next Get to refetch while keeping the old value as a
// fallback.
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}
