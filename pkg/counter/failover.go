package counter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/martinmaurice/pescan/pkg/enum"
	"go.uber.org/atomic"
)

const DefaultReprobeInterval = 30 * time.Second

// FailoverStore routes to the shared store while it answers and to a process-local store once
// it does not. The degraded mode sticks for the process and the shared store is re-probed lazily,
// at most once per reprobe interval, so callers do not pay a connection timeout on every call.
// Authority returns to the shared store on reconnect without reconciling counts.
type FailoverStore struct {
	primary         Store // nil when the shared backend is disabled
	fallback        Store
	reprobeInterval time.Duration
	now             func() time.Time
	onModeChange    func(enum.StoreMode)
	logger          *slog.Logger

	degraded  *atomic.Bool
	probing   *atomic.Bool
	lastProbe *atomic.Time
}

type FailoverOption func(*FailoverStore)

func WithReprobeInterval(d time.Duration) FailoverOption {
	return func(f *FailoverStore) {
		f.reprobeInterval = d
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverStore) {
		f.now = now
	}
}

// WithModeObserver is called on every switch between shared and local authority.
func WithModeObserver(fn func(enum.StoreMode)) FailoverOption {
	return func(f *FailoverStore) {
		f.onModeChange = fn
	}
}

func NewFailover(primary, fallback Store, opts ...FailoverOption) *FailoverStore {
	f := &FailoverStore{
		primary:         primary,
		fallback:        fallback,
		reprobeInterval: DefaultReprobeInterval,
		now:             time.Now,
		onModeChange:    func(enum.StoreMode) {},
		logger:          slog.With("component", "counter_failover"),
		degraded:        atomic.NewBool(false),
		probing:         atomic.NewBool(false),
		lastProbe:       atomic.NewTime(time.Time{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.primary == nil {
		f.logger.Warn("shared counter backend disabled, using process-local counters")
	}
	f.onModeChange(f.Mode())
	return f
}

func (f *FailoverStore) Mode() enum.StoreMode {
	if f.primary == nil || f.degraded.Load() {
		return enum.Local
	}
	return enum.Shared
}

func (f *FailoverStore) markDegraded(err error) {
	if !f.degraded.CompareAndSwap(false, true) {
		return
	}
	f.lastProbe.Store(f.now())
	f.logger.Warn("shared counter backend unreachable, falling back to local counters", "error", err)
	f.onModeChange(enum.Local)
}

// active picks the store for the next call, re-probing the shared store when due.
func (f *FailoverStore) active(ctx context.Context) Store {
	if f.primary == nil {
		return f.fallback
	}
	if !f.degraded.Load() {
		return f.primary
	}
	if f.now().Sub(f.lastProbe.Load()) < f.reprobeInterval {
		return f.fallback
	}
	if !f.probing.CompareAndSwap(false, true) {
		return f.fallback
	}
	defer f.probing.Store(false)

	f.lastProbe.Store(f.now())
	if err := f.primary.Ping(ctx); err != nil {
		f.logger.Debug("shared counter backend still unreachable", "error", err)
		return f.fallback
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("shared counter backend reachable again, restoring shared counters")
		f.onModeChange(enum.Shared)
	}
	return f.primary
}

func run[T any](ctx context.Context, f *FailoverStore, op func(Store) (T, error)) (T, error) {
	s := f.active(ctx)
	v, err := op(s)
	if err != nil && s == f.primary && errors.Is(err, ErrBackendUnavailable) && ctx.Err() == nil {
		f.markDegraded(err)
		return op(f.fallback)
	}
	return v, err
}

func (f *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	type found struct {
		value string
		ok    bool
	}
	res, err := run(ctx, f, func(s Store) (found, error) {
		v, ok, err := s.Get(ctx, key)
		return found{v, ok}, err
	})
	return res.value, res.ok, err
}

func (f *FailoverStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(ctx, f, func(s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (f *FailoverStore) Incr(ctx context.Context, key string) (int64, error) {
	return run(ctx, f, func(s Store) (int64, error) {
		return s.Incr(ctx, key)
	})
}

func (f *FailoverStore) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return run(ctx, f, func(s Store) (int64, error) {
		return s.IncrExpire(ctx, key, ttl)
	})
}

func (f *FailoverStore) ExpireAt(ctx context.Context, key string, ttl time.Duration) error {
	_, err := run(ctx, f, func(s Store) (struct{}, error) {
		return struct{}{}, s.ExpireAt(ctx, key, ttl)
	})
	return err
}

func (f *FailoverStore) Del(ctx context.Context, key string) error {
	_, err := run(ctx, f, func(s Store) (struct{}, error) {
		return struct{}{}, s.Del(ctx, key)
	})
	return err
}

// Ping checks the shared store itself and switches authority according to the answer.
func (f *FailoverStore) Ping(ctx context.Context) error {
	if f.primary == nil {
		return ErrBackendUnavailable
	}
	f.lastProbe.Store(f.now())
	if err := f.primary.Ping(ctx); err != nil {
		if errors.Is(err, ErrBackendUnavailable) && ctx.Err() == nil {
			f.markDegraded(err)
		}
		return err
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("shared counter backend reachable again, restoring shared counters")
		f.onModeChange(enum.Shared)
	}
	return nil
}

func (f *FailoverStore) TakeTokens(ctx context.Context, key string, bucket Bucket, cost float64, now time.Time) (TokenResult, error) {
	return run(ctx, f, func(s Store) (TokenResult, error) {
		return s.TakeTokens(ctx, key, bucket, cost, now)
	})
}
