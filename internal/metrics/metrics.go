// Package metrics exposes switchboard telemetry two ways: Prometheus
// collectors for scraping, and an aggregated snapshot with per-operation
// latency percentiles for the status CLI and health endpoint.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyWindowSize bounds the per-operation sample ring used for
// percentile math. Prometheus histograms carry the long-term view.
const latencyWindowSize = 256

// Metrics holds the collectors for all switchboard subsystems.
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	BatchSize        prometheus.Histogram
	BatchFlushes     prometheus.Counter
	PoolInUse        prometheus.Gauge
	PoolIdle         prometheus.Gauge
	PoolTimeouts     prometheus.Counter
	CacheHitRate     prometheus.Gauge
	BackendHealthy   *prometheus.GaugeVec
	FailoversTotal   prometheus.Counter
	RateLimitDenials prometheus.Counter
	CommandsBlocked  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge

	registry *prometheus.Registry

	mu      sync.Mutex
	windows map[string][]time.Duration
	next    map[string]int
}

// New creates the collectors on a private registry so independent
// instances (one per test, say) never collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		windows:  make(map[string][]time.Duration),
		next:     make(map[string]int),
	}

	m.CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_commands_total",
			Help: "Total number of commands dispatched",
		},
		[]string{"backend", "status"},
	)

	m.CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_command_duration_seconds",
			Help:    "Duration of command execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_batch_size",
			Help:    "Number of commands per flushed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	m.BatchFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_batch_flushes_total",
			Help: "Total number of batch flushes",
		},
	)

	m.PoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_pool_connections_in_use",
			Help: "Connections currently handed out by the pool",
		},
	)

	m.PoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_pool_connections_idle",
			Help: "Idle connections held by the pool",
		},
	)

	m.PoolTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_pool_acquire_timeouts_total",
			Help: "Total acquisitions that timed out waiting for a connection",
		},
	)

	m.CacheHitRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_cache_hit_rate",
			Help: "Session cache hit rate over all lookups",
		},
	)

	m.BackendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_backend_healthy",
			Help: "Backend health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_failovers_total",
			Help: "Total commands rerouted to a fallback backend",
		},
	)

	m.RateLimitDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_rate_limit_denials_total",
			Help: "Total commands denied by the rate limiter",
		},
	)

	m.CommandsBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_commands_blocked_total",
			Help: "Total commands refused before dispatch",
		},
		[]string{"reason"},
	)

	m.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_sessions_active",
			Help: "Number of live sessions",
		},
	)

	m.registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.BatchSize,
		m.BatchFlushes,
		m.PoolInUse,
		m.PoolIdle,
		m.PoolTimeouts,
		m.CacheHitRate,
		m.BackendHealthy,
		m.FailoversTotal,
		m.RateLimitDenials,
		m.CommandsBlocked,
		m.SessionsActive,
	)

	return m
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one operation latency in the percentile window. The
// Prometheus histograms are fed separately by each subsystem.
func (m *Metrics) Observe(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[op]
	if !ok {
		w = make([]time.Duration, 0, latencyWindowSize)
	}
	if len(w) < latencyWindowSize {
		w = append(w, d)
	} else {
		w[m.next[op]] = d
	}
	m.next[op] = (m.next[op] + 1) % latencyWindowSize
	m.windows[op] = w
}

// LatencySummary aggregates the recent latency window for one operation.
type LatencySummary struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// Snapshot returns per-operation latency summaries over the recent window.
func (m *Metrics) Snapshot() map[string]LatencySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]LatencySummary, len(m.windows))
	for op, w := range m.windows {
		if len(w) == 0 {
			continue
		}
		sorted := append([]time.Duration(nil), w...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		out[op] = LatencySummary{
			Count: len(sorted),
			Mean:  sum / time.Duration(len(sorted)),
			P50:   percentile(sorted, 0.50),
			P95:   percentile(sorted, 0.95),
			Max:   sorted[len(sorted)-1],
		}
	}
	return out
}

// percentile reads the p-th percentile from an ascending slice using the
// nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
