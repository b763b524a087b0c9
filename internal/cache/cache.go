// Package cache holds short-lived lookup results, primarily verified bearer
// principals, so hot DAV request bursts do not hit the verifier every time.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	ttl  time.Duration
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{data: make(map[K]entry[V]), ttl: ttl}
}

// Get returns the cached value for k unless it has expired. Expired entries
// stay in the map until overwritten; the working set is tiny (one entry per
// active login) so there is no eviction loop.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[k]
	if !ok || time.Now().After(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[K, V]) Set(k K, v V, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = entry[V]{value: v, expires: expires}
}

// TTL is the default lifetime callers should use when computing the expiry
// for Set.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}
