package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/martinmaurice/pescan/pkg/cache"
	"github.com/martinmaurice/pescan/pkg/counter"
	"github.com/martinmaurice/pescan/pkg/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errUnknownTicker = errors.New("unknown ticker")

// fakeUpstream answers with the length of the key, fails on BAD, panics on BOOM and
// returns zero for EMPTY.
type fakeUpstream struct {
	mu       sync.Mutex
	calls    map[string]int
	delay    time.Duration
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		calls:    map[string]int{},
		inFlight: atomic.NewInt32(0),
		maxSeen:  atomic.NewInt32(0),
	}
}

func (f *fakeUpstream) Fetch(ctx context.Context, key string) (int, error) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()

	n := f.inFlight.Inc()
	defer f.inFlight.Dec()
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	switch key {
	case "BAD":
		return 0, errUnknownTicker
	case "BOOM":
		panic("upstream exploded")
	case "EMPTY":
		return 0, nil
	}
	return len(key), nil
}

func (f *fakeUpstream) callsTo(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUpstream) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// denyAcquirer refuses every permit.
type denyAcquirer struct{}

func (denyAcquirer) Acquire(context.Context, time.Duration) bool {
	return false
}

func rejectZero(v int) error {
	if v == 0 {
		return errors.New("no price data available")
	}
	return nil
}

func newTestEngine(up *fakeUpstream, th Acquirer) *Engine[int] {
	return New[int](up, th, cache.New[int](), Options[int]{
		CacheTTL:   time.Hour,
		MaxWorkers: 3,
		Validate:   rejectZero,
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want []string
	}{
		{name: "empty", keys: nil, want: []string{}},
		{name: "upper-cases and trims", keys: []string{" aapl", "msft "}, want: []string{"AAPL", "MSFT"}},
		{name: "dedupes keeping first-seen order", keys: []string{"aapl", "MSFT", "AAPL", " msft"}, want: []string{"AAPL", "MSFT"}},
		{name: "drops blank keys", keys: []string{"", "  ", "hood"}, want: []string{"HOOD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.keys))
		})
	}
}

func TestEngine_FetchMany(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing key never fails the batch", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, nil)

		res := e.FetchMany(ctx, []string{"aapl", "BAD", "boom", "empty", "hood"}, true, 0)

		assert.Equal(t, map[string]int{"AAPL": 4, "HOOD": 4}, res.Successful)
		require.Len(t, res.Failed, 3)
		assert.Equal(t, errUnknownTicker.Error(), res.Failed["BAD"])
		assert.Contains(t, res.Failed["BOOM"], "panicked")
		assert.Equal(t, "no price data available", res.Failed["EMPTY"])
		assert.Equal(t, 5, res.APICalls)
		assert.Zero(t, res.CacheHits)
	})

	t.Run("duplicates are fetched once", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, nil)

		res := e.FetchMany(ctx, []string{"aapl", "AAPL", " aapl "}, true, 0)

		assert.Equal(t, map[string]int{"AAPL": 4}, res.Successful)
		assert.Equal(t, 1, res.APICalls)
		assert.Equal(t, 1, up.callsTo("AAPL"))
	})

	t.Run("fresh cache entries skip the upstream", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, nil)

		first := e.FetchMany(ctx, []string{"AAPL", "MSFT"}, true, 0)
		require.Equal(t, 2, first.APICalls)

		second := e.FetchMany(ctx, []string{"aapl", "msft", "hood"}, true, 0)
		assert.Equal(t, 2, second.CacheHits)
		assert.Equal(t, 1, second.APICalls)
		assert.Len(t, second.Successful, 3)
		assert.Equal(t, 3, up.totalCalls())
	})

	t.Run("failures are not cached", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, nil)

		e.FetchMany(ctx, []string{"BAD", "EMPTY"}, true, 0)
		res := e.FetchMany(ctx, []string{"BAD", "EMPTY"}, true, 0)

		assert.Zero(t, res.CacheHits)
		assert.Equal(t, 2, up.callsTo("BAD"))
		assert.Equal(t, 2, up.callsTo("EMPTY"))
	})

	t.Run("without cache every key reaches the upstream and nothing is stored", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, nil)

		e.FetchMany(ctx, []string{"AAPL"}, true, 0)
		res := e.FetchMany(ctx, []string{"AAPL", "MSFT"}, false, 0)

		assert.Zero(t, res.CacheHits)
		assert.Equal(t, 2, res.APICalls)
		_, ok := e.Cache().Get("MSFT")
		assert.False(t, ok)
	})

	t.Run("a throttle denial is a per key failure without upstream call", func(t *testing.T) {
		up := newFakeUpstream()
		e := newTestEngine(up, denyAcquirer{})
		e.Cache().Set("AAPL", 4, time.Hour)

		res := e.FetchMany(ctx, []string{"AAPL", "MSFT", "HOOD"}, true, 0)

		assert.Equal(t, map[string]int{"AAPL": 4}, res.Successful)
		assert.Equal(t, map[string]string{
			"MSFT": ErrThrottled.Error(),
			"HOOD": ErrThrottled.Error(),
		}, res.Failed)
		assert.Zero(t, res.APICalls)
		assert.Zero(t, up.totalCalls())
	})

	t.Run("concurrent upstream calls stay within max workers", func(t *testing.T) {
		up := newFakeUpstream()
		up.delay = 20 * time.Millisecond
		e := newTestEngine(up, nil)

		keys := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
		res := e.FetchMany(ctx, keys, false, 2)

		assert.Len(t, res.Successful, len(keys))
		assert.LessOrEqual(t, up.maxSeen.Load(), int32(2))
		assert.Equal(t, int32(0), up.inFlight.Load())
	})

	t.Run("empty input", func(t *testing.T) {
		e := newTestEngine(newFakeUpstream(), nil)
		res := e.FetchMany(ctx, []string{" ", ""}, true, 0)
		assert.Empty(t, res.Successful)
		assert.Empty(t, res.Failed)
		assert.Zero(t, res.APICalls)
	})
}

func TestEngine_FetchMany_ThrottledByTokenBucket(t *testing.T) {
	up := newFakeUpstream()
	th := throttle.New(counter.NewMemoryStorage(), throttle.Options{
		RequestsPerSecond: 0.001,
		Burst:             2,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	})
	e := New[int](up, th, nil, Options[int]{AcquireTimeout: time.Nanosecond})

	res := e.FetchMany(context.Background(), []string{"A", "B", "C", "D"}, true, 1)

	assert.Len(t, res.Successful, 2)
	assert.Len(t, res.Failed, 2)
	assert.Equal(t, 2, res.APICalls)
	for _, reason := range res.Failed {
		assert.Equal(t, ErrThrottled.Error(), reason)
	}
}

func TestEngine_FetchOne(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	e := newTestEngine(up, nil)

	v, err := e.FetchOne(ctx, " hood ", true)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	v, err = e.FetchOne(ctx, "HOOD", true)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	assert.Equal(t, 1, up.callsTo("HOOD"), "the second call is served from cache")

	_, err = e.FetchOne(ctx, "BAD", true)
	assert.ErrorIs(t, err, errUnknownTicker)

	_, err = e.FetchOne(ctx, "  ", true)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = newTestEngine(up, denyAcquirer{}).FetchOne(ctx, "MSFT", true)
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestBatchResult_ElapsedSeconds(t *testing.T) {
	r := BatchResult[int]{Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, 1.5, r.ElapsedSeconds())
}
