package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aiflow"

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	FramesReceived      *prometheus.CounterVec
	FramesRouted        prometheus.Counter
	ChunksReassembled   prometheus.Counter
	TransfersFailed     prometheus.Counter
}

// NewMetrics registers the relay metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Currently connected websocket peers.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total accepted websocket connections.",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the relay was at capacity.",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		FramesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_routed_total",
			Help:      "Frames delivered to peers.",
		}),
		ChunksReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunked_messages_reassembled_total",
			Help:      "Chunked messages fully reassembled and forwarded.",
		}),
		TransfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunked_transfers_failed_total",
			Help:      "Chunked transfers discarded as stale.",
		}),
	}
}
