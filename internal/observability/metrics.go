package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/lobby/internal/ledger"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Joins               *prometheus.CounterVec
	ReserveConflicts    prometheus.Counter
	SessionsCreated     prometheus.Counter
	SessionEvents       *prometheus.CounterVec
	Sessions            *prometheus.GaugeVec
	JoinLatency         prometheus.Histogram
	PersistenceFailures *prometheus.CounterVec
	ReconcileBacklog    prometheus.Gauge
	WSMessages          *prometheus.CounterVec
	SubscriberDrops     prometheus.Counter
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join requests by outcome.",
		}, []string{"outcome"}),
		ReserveConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_conflicts_total",
			Help:      "Seat reservations that lost a race to a concurrent joiner.",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by the allocator.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions held in the ledger by status.",
		}, []string{"status"}),
		JoinLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_latency_ms",
			Help:      "End-to-end join latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Store writes that failed after the in-memory commit, by operation.",
		}, []string{"op"}),
		ReconcileBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_backlog",
			Help:      "Store writes waiting to be replayed.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SubscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Event subscribers dropped for falling behind.",
		}),
	}
}

func (m *Metrics) ObserveJoinLatency(d time.Duration) {
	m.JoinLatency.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) SetSessionStats(st ledger.Stats) {
	m.Sessions.WithLabelValues(string(ledger.StatusWaiting)).Set(float64(st.Waiting))
	m.Sessions.WithLabelValues(string(ledger.StatusActive)).Set(float64(st.Active))
	m.Sessions.WithLabelValues(string(ledger.StatusClosed)).Set(float64(st.Closed))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
