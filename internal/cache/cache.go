// Package cache is a per-process, time-bounded view of stored values.
// A Read never returns a value older than the TTL; a miss means "ask the
// store", never "empty".
package cache

import (
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	value       V
	lastRefresh time.Time
}

type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry[V]
}

type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](opts ...Option) *Cache[V] {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{ttl: o.ttl, now: o.now, entries: make(map[string]entry[V])}
}

// Read returns the cached value, or false when there is none or it is
// older than the TTL.
func (c *Cache[V]) Read(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.lastRefresh) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Write(key string, v V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, lastRefresh: c.now()}
	c.mu.Unlock()
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len counts entries, stale ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}
