// Package metrics exposes the Prometheus counters and gauges a knocker
// worker emits, grounded on the teacher's own
// "enable-prometheus-metrics"/"metrics-listener" configuration surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge a worker reports. A nil *Metrics
// is safe to call methods on: every method is a no-op, so the relay and
// handler packages don't need to branch on whether metrics are enabled.
type Metrics struct {
	registry  *prometheus.Registry
	processed prometheus.Counter
	inFlight  prometheus.Gauge
	outcomes  *prometheus.CounterVec
	attempts  prometheus.Histogram
}

// New creates a fresh registry and registers every knocker metric under
// it, prefixed "knocker_".
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knocker_requests_processed_total",
			Help: "Ingress requests acknowledged and handed off to the relay pipeline.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knocker_relays_in_flight",
			Help: "Relays currently supervised (spawned, not yet terminal).",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knocker_relay_outcomes_total",
			Help: "Terminal relay outcomes: ok, failed, crashed or canceled.",
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "knocker_relay_attempts",
			Help:    "Number of egress attempts made per relay before a terminal state.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	reg.MustRegister(m.processed, m.inFlight, m.outcomes, m.attempts)
	return m
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncProcessed() {
	if m == nil {
		return
	}
	m.processed.Inc()
}

func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) RelayFinished(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
	m.attempts.Observe(float64(attempts))
}
