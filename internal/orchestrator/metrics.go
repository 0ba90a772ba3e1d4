package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the orchestrator's Prometheus gauges: active agent count,
// message queue depth, and circuit breaker state, one series per session.
type Metrics struct {
	registry *prometheus.Registry

	activeAgents  *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	breakerOpen   *prometheus.GaugeVec
	errorsHandled *prometheus.CounterVec
}

// NewMetrics registers the orchestrator's series into a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "active_agents",
			Help:      "Number of agents currently ready or busy, by session.",
		}, []string{"session_id"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "router_queue_depth",
			Help:      "Number of messages currently parked in the router's outbound queue.",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "breaker_open",
			Help:      "1 if the circuit breaker for this key is open or half-open, 0 if closed.",
		}, []string{"key"}),
		errorsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "errors_handled_total",
			Help:      "Errors funneled through the Recovery Manager, by type and outcome.",
		}, []string{"error_type", "outcome"}),
	}

	registry.MustRegister(m.activeAgents, m.queueDepth, m.breakerOpen, m.errorsHandled)
	return m
}

// Registry exposes the underlying Prometheus registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe samples the orchestrator's current state into the registered
// gauges. Intended to be called from a periodic tick or just before the
// metrics endpoint is scraped.
func (m *Metrics) Observe(o *Orchestrator) {
	for _, status := range o.ListSessions() {
		m.activeAgents.WithLabelValues(status.SessionID).Set(float64(len(status.ActiveAgents)))
	}
	m.queueDepth.Set(float64(o.router.QueueDepth()))
}

// RecordError increments the errors-handled counter for a completed
// recovery attempt.
func (m *Metrics) RecordError(errorType, outcome string) {
	m.errorsHandled.WithLabelValues(errorType, outcome).Inc()
}

// SetBreakerState records whether a circuit breaker key is open/half-open
// (1) or closed (0).
func (m *Metrics) SetBreakerState(key string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(key).Set(v)
}
