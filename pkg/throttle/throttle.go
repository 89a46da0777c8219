// Package throttle keeps every server process under the upstream provider's request rate.
// All processes share one token bucket held in the counter store.
package throttle

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/martinmaurice/pescan/pkg/counter"
	"github.com/martinmaurice/pescan/pkg/enum"
	"github.com/martinmaurice/pescan/pkg/metrics"
)

const (
	DefaultName              = "yahoo:api"
	DefaultRequestsPerSecond = 2.0
	DefaultBurst             = 5

	hourlyCountTTL = 2 * time.Hour
	maxBackoff     = time.Second
)

type Options struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	Now               func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep   func(ctx context.Context, d time.Duration) error
	Metrics *metrics.Metrics
}

type Throttle struct {
	store   counter.Store
	name    string
	bucket  counter.Bucket
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Stats struct {
	Mode              enum.StoreMode `json:"mode"`
	AvailableTokens   float64        `json:"available_tokens"`
	MaxTokens         int            `json:"max_tokens"`
	RequestsPerSecond float64        `json:"requests_per_second"`
	RequestsThisHour  int64          `json:"requests_this_hour"`
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func New(store counter.Store, opts Options) *Throttle {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Burst < 1 {
		opts.Burst = DefaultBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	// an idle bucket is full again after burst/rate seconds, so dropping it then changes nothing
	fullRefill := time.Duration(math.Ceil(float64(opts.Burst)/opts.RequestsPerSecond)) * time.Second

	return &Throttle{
		store: store,
		name:  opts.Name,
		bucket: counter.Bucket{
			Burst:     opts.Burst,
			Rate:      opts.RequestsPerSecond,
			ExpiresIn: fullRefill + time.Second,
		},
		now:     opts.Now,
		sleep:   opts.Sleep,
		metrics: opts.Metrics,
		logger:  slog.With("component", "throttle", "name", opts.Name),
	}
}

func (t *Throttle) bucketKey() string {
	return t.name + ":bucket"
}

func (t *Throttle) hourKey(now time.Time) string {
	return t.name + ":request_count:" + now.UTC().Format("2006-01-02-15")
}

func (t *Throttle) tryTake(ctx context.Context) bool {
	now := t.now()
	res, err := t.store.TakeTokens(ctx, t.bucketKey(), t.bucket, 1, now)
	if err != nil {
		t.logger.Error("could not take a token", "error", err)
		return false
	}
	if !res.Allowed {
		return false
	}

	key := t.hourKey(now)
	if _, err := t.store.IncrExpire(ctx, key, hourlyCountTTL); err != nil {
		t.logger.Warn("could not count the request", "key", key, "error", err)
	}
	return true
}

// backoff grows with the time already waited and is capped at one second.
func backoff(waited time.Duration) time.Duration {
	seconds := math.Min(0.1*(1+waited.Seconds()/10), maxBackoff.Seconds())
	return time.Duration(seconds * float64(time.Second))
}

// Acquire blocks until a token is taken from the shared bucket, the timeout is spent or ctx is
// done. One attempt is always made, even with a zero timeout.
func (t *Throttle) Acquire(ctx context.Context, timeout time.Duration) bool {
	start := t.now()
	waitLogged := false

	for {
		if t.tryTake(ctx) {
			t.metrics.ThrottleAcquired()
			return true
		}

		waited := t.now().Sub(start)
		remaining := timeout - waited
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		if !waitLogged {
			t.logger.Info("waiting for an upstream rate limit token")
			waitLogged = true
		}

		if err := t.sleep(ctx, min(backoff(waited), remaining)); err != nil {
			break
		}
	}

	t.metrics.ThrottleTimedOut()
	t.logger.Warn("upstream throttle timeout", "timeout", timeout)
	return false
}

// Stats reports the bucket without consuming from it.
func (t *Throttle) Stats(ctx context.Context) Stats {
	now := t.now()
	stats := Stats{
		Mode:              counter.ModeOf(t.store),
		MaxTokens:         t.bucket.Burst,
		RequestsPerSecond: t.bucket.Rate,
	}

	res, err := t.store.TakeTokens(ctx, t.bucketKey(), t.bucket, 0, now)
	if err != nil {
		t.logger.Error("could not read the bucket", "error", err)
	} else {
		stats.AvailableTokens = res.Tokens
	}

	value, found, err := t.store.Get(ctx, t.hourKey(now))
	switch {
	case err != nil:
		t.logger.Error("could not read the request count", "error", err)
	case found:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			stats.RequestsThisHour = n
		}
	}

	// the mode may have changed while reading
	stats.Mode = counter.ModeOf(t.store)
	return stats
}
