// Package cache is a process-local TTL cache for upstream results, keyed by normalized ticker.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	hits    int64
	misses  int64
	now     func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New[T any](opts ...Option) *Cache[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		entries: make(map[string]entry[T]),
		now:     o.now,
	}
}

// NormalizeKey trims and upper-cases key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Get returns the value stored at key while now is strictly before its expiry.
// Expired entries are removed on read.
func (c *Cache[T]) Get(key string) (T, bool) {
	key = NormalizeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.now().Before(e.expiresAt) {
		c.hits++
		return e.value, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.misses++

	var zero T
	return zero, false
}

// Set stores value for ttl, replacing any previous entry.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	key = NormalizeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[T]{value: value, expiresAt: c.now().Add(ttl)}
}

// Clear drops every entry, resets the counters and returns how many entries were dropped.
func (c *Cache[T]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]entry[T])
	c.hits, c.misses = 0, 0
	return n
}

// Stats counts expired entries that have not been read since they expired.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
