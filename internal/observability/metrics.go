package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
// A nil *Metrics is valid; every method is then a no-op.
type Metrics struct {
	registry        *prometheus.Registry
	connections     prometheus.Gauge
	players         prometheus.Gauge
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	protocolErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a dedicated registry.
//
// Postcondition: Returns a Metrics whose Handler exposes every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netforge",
			Name:      "connections_active",
			Help:      "Number of open client connections.",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netforge",
			Name:      "players_joined",
			Help:      "Number of players currently in the roster.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netforge",
			Name:      "packets_sent_total",
			Help:      "Packets sent to clients, by packet kind.",
		}, []string{"packet"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netforge",
			Name:      "packets_received_total",
			Help:      "Packets received from clients, by packet kind.",
		}, []string{"packet"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netforge",
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of a protocol error.",
		}),
	}
	m.registry.MustRegister(m.connections, m.players, m.packetsSent, m.packetsReceived, m.protocolErrors)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetPlayers records the current roster size.
func (m *Metrics) SetPlayers(n int) {
	if m != nil {
		m.players.Set(float64(n))
	}
}

// PacketSent counts one outbound packet of the given kind.
func (m *Metrics) PacketSent(kind string) {
	if m != nil {
		m.packetsSent.WithLabelValues(kind).Inc()
	}
}

// PacketReceived counts one inbound packet of the given kind.
func (m *Metrics) PacketReceived(kind string) {
	if m != nil {
		m.packetsReceived.WithLabelValues(kind).Inc()
	}
}

// ProtocolError counts one connection closed for a protocol violation.
func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}
