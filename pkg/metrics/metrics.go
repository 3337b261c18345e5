// Package metrics provides Prometheus metrics for the controller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake outcome label values.
const (
	OutcomeAccepted      = "accepted"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeUnknownWorker = "unknown_worker"
	OutcomeDuplicate     = "duplicate"
	OutcomeError         = "error"
)

// Metrics holds all Prometheus metrics for the controller.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsAccepted counts raw connections accepted by the listener.
	ConnectionsAccepted prometheus.Counter

	// HandshakeAttempts counts admission handshakes by outcome.
	HandshakeAttempts *prometheus.CounterVec

	// ConnectedWorkers tracks the number of workers with a live channel.
	ConnectedWorkers prometheus.Gauge
}

// New creates a Metrics instance with all metrics registered on a
// private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "controller",
			Subsystem: "listener",
			Name:      "connections_accepted_total",
			Help:      "Total number of TCP connections accepted.",
		}),
		HandshakeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controller",
			Subsystem: "admission",
			Name:      "handshake_attempts_total",
			Help:      "Total number of admission handshakes by outcome.",
		}, []string{"outcome"}),
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controller",
			Subsystem: "admission",
			Name:      "connected_workers",
			Help:      "Number of workers with an established channel.",
		}),
	}

	registry.MustRegister(m.ConnectionsAccepted, m.HandshakeAttempts, m.ConnectedWorkers)

	return m
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
