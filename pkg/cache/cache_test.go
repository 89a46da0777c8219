package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_TTLBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{name: "fresh", elapsed: 0, want: true},
		{name: "just before expiry", elapsed: time.Hour - time.Nanosecond, want: true},
		{name: "exactly at expiry", elapsed: time.Hour, want: false},
		{name: "after expiry", elapsed: 2 * time.Hour, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
			c := New[int](WithClock(clock.Now))

			c.Set("AAPL", 42, time.Hour)
			clock.Advance(tt.elapsed)

			got, ok := c.Get("AAPL")
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, 42, got)
			} else {
				assert.Zero(t, got)
			}
		})
	}
}

func TestCache_NormalizesKeys(t *testing.T) {
	c := New[string]()
	c.Set("  aapl ", "apple", time.Minute)

	for _, key := range []string{"AAPL", "aapl", " Aapl"} {
		v, ok := c.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "apple", v)
	}
	assert.Equal(t, 1, c.Stats().Size)
}

func TestCache_SetOverwrites(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[int](WithClock(clock.Now))

	c.Set("MSFT", 1, time.Second)
	clock.Advance(900 * time.Millisecond)
	c.Set("MSFT", 2, time.Second)
	clock.Advance(900 * time.Millisecond)

	v, ok := c.Get("MSFT")
	require.True(t, ok, "the second Set restarts the ttl")
	assert.Equal(t, 2, v)
}

func TestCache_StatsAndClear(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[int](WithClock(clock.Now))

	c.Set("A", 1, time.Minute)
	c.Set("B", 2, time.Second)
	c.Get("A")
	c.Get("A")
	c.Get("C")

	assert.Equal(t, Stats{Size: 2, Hits: 2, Misses: 1, HitRate: 2.0 / 3.0}, c.Stats())

	clock.Advance(time.Second)
	assert.Equal(t, 2, c.Stats().Size, "expired entries stay until read")
	_, ok := c.Get("B")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats().Size)

	assert.Equal(t, 1, c.Clear())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			key := fmt.Sprintf("T%d", i%5)
			c.Set(key, i, time.Minute)
			c.Get(key)
			c.Stats()
		})
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, 5, s.Size)
	assert.Equal(t, int64(50), s.Hits)
}
