// Package metrics provides Prometheus metrics for bedrocklink. Every method is
// safe to call on a nil *Metrics, so components take an optional instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bedrocklink"

// Directions used as label values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Reasons a discovery datagram is dropped.
const (
	DropShort    = "short"
	DropChecksum = "checksum"
	DropDecode   = "decode"
	DropSelf     = "self"
)

// Metrics holds all Prometheus metrics for bedrocklink.
type Metrics struct {
	Registry *prometheus.Registry

	sessionStatus      prometheus.Gauge
	framesTotal        *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	signalingConnected prometheus.Gauge
	signalingRetries   prometheus.Counter
	signalsTotal       *prometheus.CounterVec
	discoveryDropped   *prometheus.CounterVec
	discoveredPeers    prometheus.Gauge
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "Current session status (0 disconnected, 1 connecting, 2 authenticating, 3 initializing, 4 initialized).",
		}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total batches exchanged with the transport.",
		}, []string{"direction"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total wire bytes exchanged with the transport.",
		}, []string{"direction"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total protocol errors, by kind.",
		}, []string{"kind"}),

		signalingConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_connected",
			Help:      "Whether the signaling stream is open (1) or not (0).",
		}),

		signalingRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_retries_total",
			Help:      "Total signaling reconnect attempts.",
		}),

		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Total negotiation signals, by direction and type.",
		}, []string{"direction", "type"}),

		discoveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_dropped_total",
			Help:      "Total discovery datagrams dropped, by reason.",
		}, []string{"reason"}),

		discoveredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_peers",
			Help:      "Number of LAN peers currently known.",
		}),
	}

	reg.MustRegister(
		m.sessionStatus,
		m.framesTotal,
		m.bytesTotal,
		m.errorsTotal,
		m.signalingConnected,
		m.signalingRetries,
		m.signalsTotal,
		m.discoveryDropped,
		m.discoveredPeers,
	)

	return m
}

// SetSessionStatus records the numeric session status.
func (m *Metrics) SetSessionStatus(status int) {
	if m == nil {
		return
	}
	m.sessionStatus.Set(float64(status))
}

// Frame records one batch of n wire bytes in the given direction.
func (m *Metrics) Frame(direction string, n int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Error records a protocol error of the given kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// SetSignalingConnected sets the signaling gauge.
func (m *Metrics) SetSignalingConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.signalingConnected.Set(1)
	} else {
		m.signalingConnected.Set(0)
	}
}

// SignalingRetry records one reconnect attempt.
func (m *Metrics) SignalingRetry() {
	if m == nil {
		return
	}
	m.signalingRetries.Inc()
}

// Signal records one negotiation signal.
func (m *Metrics) Signal(direction, typ string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(direction, typ).Inc()
}

// DiscoveryDropped records a rejected discovery datagram.
func (m *Metrics) DiscoveryDropped(reason string) {
	if m == nil {
		return
	}
	m.discoveryDropped.WithLabelValues(reason).Inc()
}

// SetDiscoveredPeers sets the number of known LAN peers.
func (m *Metrics) SetDiscoveredPeers(n int) {
	if m == nil {
		return
	}
	m.discoveredPeers.Set(float64(n))
}
