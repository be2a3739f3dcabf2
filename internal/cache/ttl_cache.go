// Package cache provides small in-process caches for hot-path lookups.
package cache

import (
	"sync"
	"time"

	"github.com/muselabs/muse/internal/clock"
)

// Cache is a generic key/value store with per-entry TTL.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	clock   clock.Clock
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock overrides the cache clock so tests can drive expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewTTLCache returns an in-memory Cache with lazy expiry on read.
func NewTTLCache[K comparable, V any](opts ...Option) Cache[K, V] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &ttlCache[K, V]{
		entries: make(map[K]entry[V]),
		clock:   o.clock,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}

	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}

	return e.value, true
}

// Set stores value under key. A ttl of zero or less means the entry never expires.
func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
