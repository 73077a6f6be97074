package sse

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for SSE streaming.
type Metrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     *prometheus.CounterVec
}

// NewMetrics creates and registers SSE metrics with the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acto_sse_clients_connected",
			Help: "Current number of connected SSE clients",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acto_sse_messages_sent_total",
			Help: "Total number of SSE messages sent by event type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.clientsConnected,
		m.messagesSent,
	)

	return m
}

// ClientConnected increments the connected clients count.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

// ClientDisconnected decrements the connected clients count.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
}

// MessageSent increments the messages sent counter for the given event type.
func (m *Metrics) MessageSent(eventType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(eventType).Inc()
}
