// Package metrics holds the Prometheus collectors of the protection layer.
// Every method is safe to call on a nil *Metrics, so components can run without metrics wired.
package metrics

import (
	"net/http"

	"github.com/martinmaurice/pescan/pkg/enum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pescan"

// Quota decision outcomes.
const (
	QuotaAllowed   = "allowed"
	QuotaDenied    = "denied"
	QuotaFailOpen  = "fail_open"
	QuotaUnlimited = "unlimited"
)

// Fetch outcomes.
const (
	FetchCacheHit  = "cache_hit"
	FetchSuccess   = "success"
	FetchFailure   = "failure"
	FetchThrottled = "throttled"
)

type Metrics struct {
	registry         *prometheus.Registry
	throttleAcquired prometheus.Counter
	throttleTimeouts prometheus.Counter
	quotaDecisions   *prometheus.CounterVec
	fetchOutcomes    *prometheus.CounterVec
	backendMode      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		throttleAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "acquired_total",
			Help:      "Upstream permits granted by the token bucket throttle.",
		}),
		throttleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "timeouts_total",
			Help:      "Acquire calls that gave up before a permit became available.",
		}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Tiered quota decisions by tier and outcome.",
		}, []string{"tier", "outcome"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "items_total",
			Help:      "Batch fetch items by outcome.",
		}, []string{"outcome"}),
		backendMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "mode",
			Help:      "1 for the counter backend mode currently holding authority.",
		}, []string{"mode"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.throttleAcquired,
		m.throttleTimeouts,
		m.quotaDecisions,
		m.fetchOutcomes,
		m.backendMode,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ThrottleAcquired() {
	if m == nil {
		return
	}
	m.throttleAcquired.Inc()
}

func (m *Metrics) ThrottleTimedOut() {
	if m == nil {
		return
	}
	m.throttleTimeouts.Inc()
}

func (m *Metrics) QuotaDecision(tier, outcome string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) FetchOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fetchOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) BackendMode(mode enum.StoreMode) {
	if m == nil {
		return
	}
	for _, candidate := range []enum.StoreMode{enum.Shared, enum.Local} {
		value := 0.0
		if candidate == mode {
			value = 1
		}
		m.backendMode.WithLabelValues(candidate.String()).Set(value)
	}
}
