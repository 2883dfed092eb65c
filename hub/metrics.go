package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/machinefabric/plughub-go/cache"
	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/process"
	"github.com/machinefabric/plughub-go/session"
)

// Metrics are the hub's Prometheus collectors. They are registered on the
// registerer given to NewMetrics, never on the global default.
type Metrics struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	sessions      *prometheus.GaugeVec
	sessionsEnded *prometheus.CounterVec
	spawns        *prometheus.CounterVec
	connects      *prometheus.CounterVec
	plugins       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plughub",
			Name:      "queries_total",
			Help:      "Queries resolved by the engine, by outcome.",
		}, []string{"publisher", "plugin", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plughub",
			Name:      "query_duration_seconds",
			Help:      "Time to resolve a query, cache hits included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"publisher", "plugin"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plughub",
			Name:      "cache_lookups_total",
			Help:      "Query cache lookups by result (hit, miss, shared).",
		}, []string{"result"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plughub",
			Name:      "live_sessions",
			Help:      "Live query sessions by direction.",
		}, []string{"direction"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plughub",
			Name:      "sessions_ended_total",
			Help:      "Ended query sessions by direction and final state.",
		}, []string{"direction", "state"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plughub",
			Name:      "spawn_attempts_total",
			Help:      "Plugin process launch attempts.",
		}, []string{"publisher", "plugin", "result"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plughub",
			Name:      "connect_attempts_total",
			Help:      "Plugin connection attempts.",
		}, []string{"publisher", "plugin", "result"}),
		plugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plughub",
			Name:      "running_plugins",
			Help:      "Plugins with a live query stream.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queries, m.queryDuration, m.cacheLookups, m.sessions,
			m.sessionsEnded, m.spawns, m.connects, m.plugins)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

func (m *Metrics) observeQuery(publisher, plugin string, start time.Time, err error) {
	m.queries.WithLabelValues(publisher, plugin, outcomeLabel(err)).Inc()
	m.queryDuration.WithLabelValues(publisher, plugin).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeCache(o cache.Outcome) {
	m.cacheLookups.WithLabelValues(o.String()).Inc()
}

// SpawnAttempt implements process.Observer.
func (m *Metrics) SpawnAttempt(d process.Descriptor, _ int, err error) {
	m.spawns.WithLabelValues(d.Publisher, d.Name, result(err)).Inc()
}

// ConnAttempt implements process.Observer.
func (m *Metrics) ConnAttempt(d process.Descriptor, _ int, _ time.Duration, err error) {
	m.connects.WithLabelValues(d.Publisher, d.Name, result(err)).Inc()
}

func direction(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

// SessionStarted implements session.Observer.
func (m *Metrics) SessionStarted(inbound bool) {
	m.sessions.WithLabelValues(direction(inbound)).Inc()
}

// SessionEnded implements session.Observer.
func (m *Metrics) SessionEnded(inbound bool, state session.State) {
	m.sessions.WithLabelValues(direction(inbound)).Dec()
	m.sessionsEnded.WithLabelValues(direction(inbound), state.String()).Inc()
}
