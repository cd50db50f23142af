package branch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace string = "branch"
)

// Metrics holds the counters of one branch in a registry of its own, so that
// several branches can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	events             *prometheus.CounterVec
	blacklisted        prometheus.Counter
	broadcastsSent     prometheus.Counter
	broadcastsReceived prometheus.Counter
	broadcastsDropped  prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Connections with a running session.",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "events",
				Name:      "total",
				Help:      "Branch events by type and result.",
			},
			[]string{"event", "result"},
		),
		blacklisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "connections",
				Name:      "blacklisted_total",
				Help:      "Remote branches added to the blacklist.",
			},
		),
		broadcastsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcasts",
				Name:      "sent_total",
				Help:      "Broadcasts queued for sending, counted per session.",
			},
		),
		broadcastsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcasts",
				Name:      "received_total",
				Help:      "Broadcasts received from remote branches.",
			},
		),
		broadcastsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcasts",
				Name:      "dropped_total",
				Help:      "Received broadcasts discarded since no receive operation was pending.",
			},
		),
	}

	m.registry.MustRegister(
		m.connectionsActive,
		m.events,
		m.blacklisted,
		m.broadcastsSent,
		m.broadcastsReceived,
		m.broadcastsDropped,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
