// Package fetcher runs deduplicated, cached and throttled batches of upstream fetches.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/martinmaurice/pescan/pkg/cache"
	"github.com/martinmaurice/pescan/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCacheTTL       = time.Hour
	DefaultAcquireTimeout = 30 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
	DefaultMaxWorkers     = 5
)

var (
	ErrThrottled = errors.New("rate limit wait timed out")
	ErrEmptyKey  = errors.New("key must not be empty")
)

type Fetcher[T any] interface {
	Fetch(ctx context.Context, key string) (T, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

func (f FetchFunc[T]) Fetch(ctx context.Context, key string) (T, error) {
	return f(ctx, key)
}

// Acquirer grants permission for one upstream call.
type Acquirer interface {
	Acquire(ctx context.Context, timeout time.Duration) bool
}

type Options[T any] struct {
	CacheTTL       time.Duration
	AcquireTimeout time.Duration
	FetchTimeout   time.Duration
	MaxWorkers     int
	// Validate rejects fetched values that must not be returned nor cached.
	Validate func(T) error
	Now      func() time.Time
	Metrics  *metrics.Metrics
}

type Engine[T any] struct {
	fetcher        Fetcher[T]
	throttle       Acquirer
	cache          *cache.Cache[T]
	cacheTTL       time.Duration
	acquireTimeout time.Duration
	fetchTimeout   time.Duration
	maxWorkers     int
	validate       func(T) error
	now            func() time.Time
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

type BatchResult[T any] struct {
	Successful map[string]T      `json:"successful"`
	Failed     map[string]string `json:"failed"`
	CacheHits  int               `json:"cache_hits"`
	APICalls   int               `json:"api_calls"`
	Elapsed    time.Duration     `json:"-"`
}

func (r BatchResult[T]) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// New returns an engine fetching through f. A nil throttle does not limit upstream calls and a
// nil cache gets a private one.
func New[T any](f Fetcher[T], throttle Acquirer, c *cache.Cache[T], opts Options[T]) *Engine[T] {
	if c == nil {
		c = cache.New[T]()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine[T]{
		fetcher:        f,
		throttle:       throttle,
		cache:          c,
		cacheTTL:       opts.CacheTTL,
		acquireTimeout: opts.AcquireTimeout,
		fetchTimeout:   opts.FetchTimeout,
		maxWorkers:     opts.MaxWorkers,
		validate:       opts.Validate,
		now:            opts.Now,
		metrics:        opts.Metrics,
		logger:         slog.With("component", "fetcher"),
	}
}

func (e *Engine[T]) Cache() *cache.Cache[T] {
	return e.cache
}

// Normalize upper-cases, trims and deduplicates keys, keeping their first-seen order.
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		key = cache.NormalizeKey(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return unique
}

// fetch runs one throttled upstream call. called reports whether the upstream was reached.
func (e *Engine[T]) fetch(ctx context.Context, key string, useCache bool) (value T, called bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while fetching", "key", key, "panic", r)
			var zero T
			value, err = zero, fmt.Errorf("fetch %s panicked: %v", key, r)
		}
	}()

	if e.throttle != nil && !e.throttle.Acquire(ctx, e.acquireTimeout) {
		return value, false, ErrThrottled
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	called = true
	value, err = e.fetcher.Fetch(fetchCtx, key)
	if err != nil {
		return value, called, err
	}
	if e.validate != nil {
		if err = e.validate(value); err != nil {
			var zero T
			return zero, called, err
		}
	}
	if useCache {
		e.cache.Set(key, value, e.cacheTTL)
	}
	return value, called, nil
}

func (e *Engine[T]) recordFailure(err error) {
	if errors.Is(err, ErrThrottled) {
		e.metrics.FetchOutcome(metrics.FetchThrottled, 1)
		return
	}
	e.metrics.FetchOutcome(metrics.FetchFailure, 1)
}

// FetchMany fetches every distinct key, serving fresh cache entries without an upstream call
// when useCache is set. One key failing never fails the batch. maxWorkers bounds the
// concurrent upstream calls; zero or less uses the engine default.
func (e *Engine[T]) FetchMany(ctx context.Context, keys []string, useCache bool, maxWorkers int) BatchResult[T] {
	start := e.now()
	result := BatchResult[T]{
		Successful: make(map[string]T),
		Failed:     make(map[string]string),
	}

	unique := Normalize(keys)
	if len(unique) == 0 {
		return result
	}

	var misses []string
	for _, key := range unique {
		if useCache {
			if value, ok := e.cache.Get(key); ok {
				result.Successful[key] = value
				result.CacheHits++
				continue
			}
		}
		misses = append(misses, key)
	}
	e.metrics.FetchOutcome(metrics.FetchCacheHit, result.CacheHits)

	if len(misses) > 0 {
		if maxWorkers <= 0 {
			maxWorkers = e.maxWorkers
		}
		e.logger.Info("concurrent fetch", "keys", len(misses), "max_workers", maxWorkers)

		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		g.SetLimit(maxWorkers)
		for _, key := range misses {
			g.Go(func() error {
				value, called, err := e.fetch(ctx, key, useCache)

				mu.Lock()
				defer mu.Unlock()
				if called {
					result.APICalls++
				}
				if err != nil {
					result.Failed[key] = err.Error()
					e.recordFailure(err)
					return nil
				}
				result.Successful[key] = value
				e.metrics.FetchOutcome(metrics.FetchSuccess, 1)
				return nil
			})
		}
		// workers never return an error
		_ = g.Wait()
	}

	result.Elapsed = e.now().Sub(start)
	e.logger.Info("batch fetch complete",
		"successful", len(result.Successful),
		"failed", len(result.Failed),
		"cache_hits", result.CacheHits,
		"api_calls", result.APICalls,
		"elapsed", result.Elapsed,
	)
	return result
}

// FetchOne fetches a single key through the same cache and throttle as FetchMany.
func (e *Engine[T]) FetchOne(ctx context.Context, key string, useCache bool) (T, error) {
	key = cache.NormalizeKey(key)
	if key == "" {
		var zero T
		return zero, ErrEmptyKey
	}

	if useCache {
		if value, ok := e.cache.Get(key); ok {
			e.metrics.FetchOutcome(metrics.FetchCacheHit, 1)
			return value, nil
		}
	}

	value, _, err := e.fetch(ctx, key, useCache)
	if err != nil {
		e.recordFailure(err)
		return value, fmt.Errorf("fetch %s: %w", key, err)
	}
	e.metrics.FetchOutcome(metrics.FetchSuccess, 1)
	return value, nil
}
