package agent

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0x00A5/mirrord/internal/protocol"
)

// Metrics holds the agent's Prometheus metrics.
type Metrics struct {
	activeSessions     prometheus.Gauge
	sessionFailures    *prometheus.CounterVec
	connectionsTotal   *prometheus.CounterVec
	droppedConnections prometheus.Counter
	mirroredBytesTotal prometheus.Counter
	outboundMessages   *prometheus.CounterVec
}

// sharedMetrics registers the metric set once; every Agent in the process
// shares it, so repeated construction never trips duplicate registration.
var sharedMetrics = sync.OnceValue(newMetrics)

// newMetrics creates and registers all agent metrics.
func newMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "capture_agent_active_sessions",
			Help: "Number of connected client sessions",
		}),
		sessionFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_agent_session_failures_total",
				Help: "Total number of client sessions ended by an error, by cause",
			},
			[]string{"cause"},
		),
		connectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_agent_captured_connections_total",
				Help: "Total number of captured connections announced to clients, by announcement shape",
			},
			[]string{"shape"},
		),
		droppedConnections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_agent_dropped_connections_total",
			Help: "Total number of captured connections dropped instead of mirrored",
		}),
		mirroredBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_agent_mirrored_bytes_total",
			Help: "Total number of captured payload bytes relayed to clients",
		}),
		outboundMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_agent_outbound_messages_total",
				Help: "Total number of messages sent on the control channel, by type",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) sessionStarted() {
	m.activeSessions.Inc()
}

func (m *Metrics) sessionEnded() {
	m.activeSessions.Dec()
}

func (m *Metrics) sessionFailed(cause string) {
	m.sessionFailures.WithLabelValues(cause).Inc()
}

// recordOutbound accounts one control-channel message.
func (m *Metrics) recordOutbound(msg *protocol.AgentMessage) {
	m.outboundMessages.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypeNewConnectionV1:
		m.connectionsTotal.WithLabelValues("legacy").Inc()
	case protocol.TypeNewConnectionV2:
		m.connectionsTotal.WithLabelValues("unified").Inc()
	case protocol.TypeData:
		m.mirroredBytesTotal.Add(float64(len(msg.Data.Bytes)))
	case protocol.TypeHTTPRequestChunked:
		for _, frame := range msg.HTTPRequest.Frames {
			m.mirroredBytesTotal.Add(float64(len(frame)))
		}
	case protocol.TypeLogMessage:
		// Error-level notices on the session stream report connections the
		// negotiated protocol version could not carry.
		if msg.Log != nil && msg.Log.Level == protocol.LogLevelError {
			m.droppedConnections.Inc()
		}
	}
}
