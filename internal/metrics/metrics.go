// Package metrics wires the transport's connection and RPC counters
// into Prometheus, following the nil-safe metrics convention used
// elsewhere in this codebase: metrics are nil-safe, so a
// caller that never enables metrics pays no overhead and the transport
// core never has to branch on "is metrics enabled".
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport holds the counters and gauges the TCP transport updates
// from its connection and RPC handling paths.
type Transport struct {
	ConnectionsActive prometheus.Gauge
	RPCsTotal         *prometheus.CounterVec
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	SendQueueDepth    *prometheus.GaugeVec
}

// RPC result labels used with RPCsTotal.
const (
	ResultOK             = "ok"
	ResultProtocolError  = "protocol_error"
	ResultPeerClosed     = "peer_closed"
	ResultIOError        = "io_error"
)

// New registers the transport's metrics against reg and returns the
// handle used to update them. A nil reg is valid and yields a Transport
// whose methods are all safe no-ops, avoiding a global "is metrics
// enabled" flag that every call site would otherwise have to check.
func New(reg prometheus.Registerer) *Transport {
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)
	return &Transport{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kerneltransport_connections_active",
			Help: "Number of currently open TCP connections (server sockets and client sessions).",
		}),
		RPCsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kerneltransport_rpcs_total",
			Help: "Total RPCs completed, by result.",
		}, []string{"result"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "kerneltransport_bytes_sent_total",
			Help: "Total bytes written to the wire across all connections.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "kerneltransport_bytes_received_total",
			Help: "Total bytes read from the wire across all connections.",
		}),
		SendQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kerneltransport_send_queue_depth",
			Help: "Number of RPCs queued to be written, by file descriptor.",
		}, []string{"fd"}),
	}
}

// IncConnections increments the active connection gauge. Safe on a nil
// receiver.
func (m *Transport) IncConnections() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// DecConnections decrements the active connection gauge. Safe on a nil
// receiver.
func (m *Transport) DecConnections() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// ObserveRPC records a completed RPC's result. Safe on a nil receiver.
func (m *Transport) ObserveRPC(result string) {
	if m == nil {
		return
	}
	m.RPCsTotal.WithLabelValues(result).Inc()
}

// AddBytesSent records bytes written to the wire. Safe on a nil receiver.
func (m *Transport) AddBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesSent.Add(float64(n))
}

// AddBytesReceived records bytes read off the wire. Safe on a nil receiver.
func (m *Transport) AddBytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// SetSendQueueDepth records how many RPCs are queued to be written on fd.
// Safe on a nil receiver.
func (m *Transport) SetSendQueueDepth(fd int, depth int) {
	if m == nil {
		return
	}
	m.SendQueueDepth.WithLabelValues(strconv.Itoa(fd)).Set(float64(depth))
}

// DeleteSendQueueDepth removes fd's queue-depth series once the
// connection closes, so stale series don't accumulate across the
// connection's lifetime. Safe on a nil receiver.
func (m *Transport) DeleteSendQueueDepth(fd int) {
	if m == nil {
		return
	}
	m.SendQueueDepth.DeleteLabelValues(strconv.Itoa(fd))
}
