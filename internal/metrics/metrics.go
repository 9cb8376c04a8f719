// Package metrics provides Prometheus metrics for sectun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sectun"

// Metrics contains the Prometheus metrics a pairwise tunnel can report:
// no peer graph, no routing table, no SOCKS5/exit ingress to track.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	MessagesTransferred *prometheus.CounterVec
	BytesTransferred     *prometheus.CounterVec
	DecryptFailures      prometheus.Counter

	SessionDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that need an isolated registration namespace.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active tunnel sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of tunnel sessions established",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total sessions ended, by closed_by label (every session end is counted, not only failed ones)",
		}, []string{"closed_by"}),

		MessagesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_transferred_total",
			Help:      "Total secretstream messages transferred by direction",
		}, []string{"direction"}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plaintext_bytes_transferred_total",
			Help:      "Total plaintext bytes transferred by direction",
		}, []string{"direction"}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total frames rejected by the AEAD (tamper, reorder, or replay)",
		}),

		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of tunnel session lifetimes",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a session finishing after durationSeconds,
// labelled by the tunnel.Result.ClosedBy direction that triggered the
// half-close.
func (m *Metrics) RecordSessionEnd(closedBy string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionErrors.WithLabelValues(closedBy).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordMessage records one secretstream message transferred in the
// given direction ("encrypt" or "decrypt").
func (m *Metrics) RecordMessage(direction string, plaintextBytes int) {
	m.MessagesTransferred.WithLabelValues(direction).Inc()
	m.BytesTransferred.WithLabelValues(direction).Add(float64(plaintextBytes))
}

// RecordDecryptFailure records an AEAD authentication failure.
func (m *Metrics) RecordDecryptFailure() {
	m.DecryptFailures.Inc()
}
