// Package quota enforces per caller daily allowances by tier.
//
// Counters live in the shared counter store under ratelimit:{tier}:{identifier}:{YYYY-MM-DD}
// (UTC) and roll over at midnight UTC. When the shared store cannot be trusted the limiter fails
// open: callers are allowed and usage is not recorded.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/martinmaurice/pescan/pkg/counter"
	"github.com/martinmaurice/pescan/pkg/enum"
	"github.com/martinmaurice/pescan/pkg/metrics"
)

const (
	Unlimited = -1

	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPro       = "pro"
	TierPremium   = "premium"

	DefaultWindow = 24 * time.Hour
	DefaultBuffer = time.Hour

	keyPrefix  = "ratelimit"
	dateLayout = "2006-01-02"
)

func DefaultTiers() map[string]int {
	return map[string]int{
		TierAnonymous: 3,
		TierFree:      10,
		TierPro:       Unlimited,
		TierPremium:   Unlimited,
	}
}

type Options struct {
	Tiers       map[string]int
	DefaultTier string
	Window      time.Duration
	Buffer      time.Duration
	Now         func() time.Time
	Metrics     *metrics.Metrics
}

type Limiter struct {
	store       counter.Store
	tiers       map[string]int
	defaultTier string
	ttl         time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Decision struct {
	Allowed        bool      `json:"allowed"`
	Remaining      int       `json:"remaining"` // Unlimited for unlimited tiers
	Limit          int       `json:"limit"`
	ResetAt        time.Time `json:"reset_at"`
	Tier           string    `json:"tier"`
	SuggestUpgrade bool      `json:"suggest_upgrade"`
}

// RetryAfter returns the whole seconds left until the reset, never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	seconds := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	return max(seconds, 1)
}

type Usage struct {
	Tier       string    `json:"tier"`
	Identifier string    `json:"identifier"`
	Limit      int       `json:"limit"`
	Used       int64     `json:"used"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
}

func New(store counter.Store, opts Options) *Limiter {
	tiers := DefaultTiers()
	for tier, limit := range opts.Tiers {
		tiers[tier] = limit
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = TierAnonymous
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Limiter{
		store:       store,
		tiers:       tiers,
		defaultTier: opts.DefaultTier,
		ttl:         opts.Window + opts.Buffer,
		now:         opts.Now,
		metrics:     opts.Metrics,
		logger:      slog.With("component", "quota"),
	}
}

// Limit returns the daily limit of tier. Unknown tiers get the default tier's limit.
func (l *Limiter) Limit(tier string) int {
	if limit, ok := l.tiers[tier]; ok {
		return limit
	}
	return l.tiers[l.defaultTier]
}

// Key returns the counter key of tier and identifier for the UTC day of now.
func Key(tier, identifier string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tier, identifier, now.UTC().Format(dateLayout))
}

// ResetAt returns the next midnight UTC after now.
func ResetAt(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) degraded() bool {
	return counter.ModeOf(l.store) == enum.Local
}

func (l *Limiter) failOpen(tier string, limit int, resetAt time.Time) Decision {
	l.metrics.QuotaDecision(tier, metrics.QuotaFailOpen)
	return Decision{Allowed: true, Remaining: limit, Limit: limit, ResetAt: resetAt, Tier: tier}
}

func (l *Limiter) count(ctx context.Context, key string) (int64, error) {
	value, found, err := l.store.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q at %s", counter.ErrNotInteger, value, key)
	}
	return n, nil
}

// Check reports whether identifier may make one more request today. It never fails: a
// backend that is unreachable or degraded to local counters allows the request.
func (l *Limiter) Check(ctx context.Context, tier, identifier string) Decision {
	now := l.now()
	limit := l.Limit(tier)
	resetAt := ResetAt(now)

	if limit == Unlimited {
		l.metrics.QuotaDecision(tier, metrics.QuotaUnlimited)
		return Decision{Allowed: true, Remaining: Unlimited, Limit: Unlimited, ResetAt: resetAt, Tier: tier}
	}

	if l.degraded() {
		l.logger.Warn("shared backend unavailable, allowing request", "tier", tier, "identifier", identifier)
		return l.failOpen(tier, limit, resetAt)
	}

	count, err := l.count(ctx, Key(tier, identifier, now))
	if err == nil && l.degraded() {
		err = counter.ErrBackendUnavailable
	}
	if err != nil {
		l.logger.Error("could not read quota counter, allowing request", "tier", tier, "identifier", identifier, "error", err)
		return l.failOpen(tier, limit, resetAt)
	}

	if count >= int64(limit) {
		l.metrics.QuotaDecision(tier, metrics.QuotaDenied)
		return Decision{
			Allowed:        false,
			Remaining:      0,
			Limit:          limit,
			ResetAt:        resetAt,
			Tier:           tier,
			SuggestUpgrade: tier == TierAnonymous,
		}
	}

	l.metrics.QuotaDecision(tier, metrics.QuotaAllowed)
	return Decision{Allowed: true, Remaining: limit - int(count), Limit: limit, ResetAt: resetAt, Tier: tier}
}

// RecordUsage counts one unit of usage for identifier. Errors are logged, never returned.
func (l *Limiter) RecordUsage(ctx context.Context, tier, identifier string) {
	if l.Limit(tier) == Unlimited {
		return
	}
	if l.degraded() {
		l.logger.Warn("shared backend unavailable, usage not recorded", "tier", tier, "identifier", identifier)
		return
	}

	key := Key(tier, identifier, l.now())
	if _, err := l.store.IncrExpire(ctx, key, l.ttl); err != nil {
		l.logger.Error("could not record usage", "key", key, "error", err)
		return
	}
	l.logger.Info("usage recorded", "tier", tier, "identifier", identifier)
}

// Usage returns today's counter of identifier.
func (l *Limiter) Usage(ctx context.Context, tier, identifier string) (Usage, error) {
	now := l.now()
	limit := l.Limit(tier)
	usage := Usage{
		Tier:       tier,
		Identifier: identifier,
		Limit:      limit,
		Remaining:  limit,
		ResetAt:    ResetAt(now),
	}
	if l.degraded() {
		return usage, counter.ErrBackendUnavailable
	}

	used, err := l.count(ctx, Key(tier, identifier, now))
	if err == nil && l.degraded() {
		err = counter.ErrBackendUnavailable
	}
	if err != nil {
		return usage, err
	}
	usage.Used = used
	if limit != Unlimited {
		usage.Remaining = max(0, limit-int(used))
	}
	return usage, nil
}

// Reset deletes today's counter of identifier.
func (l *Limiter) Reset(ctx context.Context, tier, identifier string) error {
	if l.degraded() {
		return counter.ErrBackendUnavailable
	}
	key := Key(tier, identifier, l.now())
	if err := l.store.Del(ctx, key); err != nil {
		return fmt.Errorf("could not reset %s: %w", key, err)
	}
	l.logger.Info("quota reset", "tier", tier, "identifier", identifier)
	return nil
}

// IsBackendError reports whether err came from the counter backend rather than from the caller.
func IsBackendError(err error) bool {
	return errors.Is(err, counter.ErrBackendUnavailable)
}
