package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu      *sync.Mutex
	now     func() time.Time
	values  map[string]memoryValue
	buckets map[string]tokenBucket
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero keeps the value forever
}

type tokenBucket struct {
	lastRefill time.Time
	tokens     float64
	expiresAt  time.Time
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

type MemoryOption func(*MemoryStorage)

// WithMemoryClock replaces time.Now for key expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStorage) {
		m.now = now
	}
}

// NewMemoryStorage returns a process-local store. It is the authority when the shared backend is
// down and the fake used by tests.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		mu:      &sync.Mutex{},
		now:     time.Now,
		values:  make(map[string]memoryValue),
		buckets: make(map[string]tokenBucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup must be called with the lock held. Expired values are removed on access.
func (m *MemoryStorage) lookup(key string) (memoryValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if expired(v.expiresAt, m.now()) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lookup(key)
	return v.value, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *MemoryStorage) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.incr(key, 0)
}

func (m *MemoryStorage) IncrExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.incr(key, ttl)
}

// incr must be called with the lock held. A positive ttl resets the expiry, zero keeps it.
func (m *MemoryStorage) incr(key string, ttl time.Duration) (int64, error) {
	v, ok := m.lookup(key)
	var current int64
	if ok {
		var err error
		current, err = strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrNotInteger, key)
		}
	}
	current++
	v.value = strconv.FormatInt(current, 10)
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = v
	return current, nil
}

func (m *MemoryStorage) ExpireAt(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(m.values, key)
		return nil
	}
	v.expiresAt = m.now().Add(ttl)
	m.values[key] = v
	return nil
}

func (m *MemoryStorage) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.buckets, key)
	return nil
}

func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}

func (m *MemoryStorage) TakeTokens(_ context.Context, key string, bucket Bucket, cost float64, now time.Time) (TokenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.buckets[key]
	if !ok || expired(match.expiresAt, now) {
		slog.Debug("creating new token bucket", "key", key, "tokens", bucket.Burst)
		match = tokenBucket{lastRefill: now, tokens: float64(bucket.Burst)}
	}

	res := bucket.take(bucket.refill(match.tokens, match.lastRefill, now), cost)

	lastRefill := match.lastRefill
	if now.After(lastRefill) {
		lastRefill = now
	}
	updated := tokenBucket{lastRefill: lastRefill, tokens: res.Tokens}
	if bucket.ExpiresIn > 0 {
		updated.expiresAt = now.Add(bucket.ExpiresIn)
	}
	m.buckets[key] = updated

	return res, nil
}
