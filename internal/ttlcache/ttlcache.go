// Package ttlcache is a process-lifetime key/value store whose entries expire
// a fixed duration after they were written.
//
// Expiry is decided on read, so an expired entry is a miss whether or not it
// has been swept. Sweeping only bounds memory and runs from Put once the map
// grows past a threshold.
package ttlcache

import (
	"sync"
	"time"
)

const (
	DefaultTTL            = 24 * time.Hour
	DefaultSweepThreshold = 100
)

type entry[V any] struct {
	data     V
	storedAt time.Time
}

type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	ttl       time.Duration
	threshold int
	now       func() time.Time
	onSweep   func(removed int)
}

type Option func(*config)

type config struct {
	ttl       time.Duration
	threshold int
	now       func() time.Time
	onSweep   func(removed int)
}

func WithTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepThreshold sets the size above which Put sweeps expired entries.
func WithSweepThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.threshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOnSweep is called after every sweep with the number of entries removed.
func WithOnSweep(fn func(removed int)) Option {
	return func(c *config) { c.onSweep = fn }
}

func New[V any](opts ...Option) *Cache[V] {
	cfg := config{ttl: DefaultTTL, threshold: DefaultSweepThreshold, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[V]{
		entries:   make(map[string]entry[V]),
		ttl:       cfg.ttl,
		threshold: cfg.threshold,
		now:       cfg.now,
		onSweep:   cfg.onSweep,
	}
}

// Get returns the value stored under key if it is younger than the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.data, true
}

// Put stores data under key, replacing any previous value and restarting its TTL.
func (c *Cache[V]) Put(key string, data V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{data: data, storedAt: c.now()}
	over := len(c.entries) > c.threshold
	c.mu.Unlock()

	if over {
		c.Sweep()
	}
}

// Sweep removes every entry at least TTL old and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()

	if c.onSweep != nil {
		c.onSweep(n)
	}
	return n
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) TTL() time.Duration { return c.ttl }
