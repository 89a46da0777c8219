// Package app assembles the protection layer from the environment and the config file. Both
// the HTTP server and the command line tool run on it.
package app

import (
	"log/slog"

	"github.com/martinmaurice/pescan/pkg/config"
	"github.com/martinmaurice/pescan/pkg/counter"
	"github.com/martinmaurice/pescan/pkg/env"
	"github.com/martinmaurice/pescan/pkg/fetcher"
	"github.com/martinmaurice/pescan/pkg/market"
	"github.com/martinmaurice/pescan/pkg/metrics"
	"github.com/martinmaurice/pescan/pkg/quota"
	"github.com/martinmaurice/pescan/pkg/throttle"
)

type App struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Store    *counter.FailoverStore
	Throttle *throttle.Throttle
	Quota    *quota.Limiter
	Analyzer *fetcher.Engine[market.MarketData]

	redis *counter.RedisStorage
}

// New wires the components. The Redis store is only created when enabled, the local store
// always backs it up. Metrics stay nil when disabled.
func New(envObj *env.Specification, cfg *config.Config) *App {
	a := &App{Config: cfg}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	var primary counter.Store
	if envObj.RedisEnabled {
		a.redis = counter.NewRedis(envObj)
		primary = a.redis
	} else {
		slog.Warn("redis is disabled, counters are local to this process")
	}
	a.Store = counter.NewFailover(primary, counter.NewMemoryStorage(),
		counter.WithReprobeInterval(cfg.Backend.ReprobeInterval),
		counter.WithModeObserver(a.Metrics.BackendMode),
	)
	a.Metrics.BackendMode(a.Store.Mode())

	a.Throttle = throttle.New(a.Store, throttle.Options{
		Name:              cfg.Throttle.Name,
		RequestsPerSecond: cfg.Throttle.RequestsPerSecond,
		Burst:             cfg.Throttle.Burst,
		Metrics:           a.Metrics,
	})

	a.Quota = quota.New(a.Store, quota.Options{
		Tiers:       cfg.Quotas.Tiers,
		DefaultTier: cfg.Quotas.DefaultTier,
		Window:      cfg.Quotas.Window,
		Buffer:      cfg.Quotas.Buffer,
		Metrics:     a.Metrics,
	})

	yahoo := market.NewYahooClient(envObj.UpstreamBaseUrl, cfg.Fetch.UpstreamTimeout)
	a.Analyzer = fetcher.New[market.MarketData](yahoo, a.Throttle, nil, fetcher.Options[market.MarketData]{
		CacheTTL:       cfg.Cache.TTL,
		AcquireTimeout: cfg.Throttle.AcquireTimeout,
		FetchTimeout:   cfg.Fetch.UpstreamTimeout,
		MaxWorkers:     cfg.Fetch.MaxWorkers,
		Validate:       market.ValidateMarketData,
		Metrics:        a.Metrics,
	})
	return a
}

func (a *App) Close() error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}
