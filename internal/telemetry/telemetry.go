// Package telemetry wires the engine's counters and gauges to Prometheus
// collectors. A nil-safe *Metrics is usable as a no-op, so callers that
// never bind a registry (e.g. package-level unit tests) don't need to guard
// every call site.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exercised by the driver and packet
// processor. Construct one per bound socket with NewMetrics and register it
// with whatever *prometheus.Registry the embedding application already
// exposes.
type Metrics struct {
	PacketsSent        *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	PacketsDropped      *prometheus.CounterVec
	Retransmissions    prometheus.Counter
	ActiveConnections  prometheus.Gauge
	CongestionBad      *prometheus.GaugeVec
	RTT                *prometheus.HistogramVec
	EventsDropped      prometheus.Counter
}

// NewMetrics builds and registers a fresh collector set under the given
// namespace (e.g. "rudp"). The namespace becomes a metric name prefix, so it
// must be a valid Prometheus name: letters, digits, '_' and ':', not
// starting with a digit.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total", Help: "Messages encoded for sending; a fragmented message counts once.",
		}, []string{"guarantee"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total", Help: "Messages accepted from the endpoint, heartbeats included; a fragmented message counts once, when reassembled.",
		}, []string{"guarantee"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total", Help: "Datagrams dropped, by reason.",
		}, []string{"reason"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmissions_total", Help: "Reliable packets resent after timeout.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections", Help: "Virtual connections currently tracked.",
		}),
		CongestionBad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "congestion_bad", Help: "1 if a connection is in Bad congestion mode, else 0.",
		}, []string{"conn"}),
		RTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rtt_seconds", Help: "Smoothed RTT samples.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"conn"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped due to a full event queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.PacketsDropped,
			m.Retransmissions, m.ActiveConnections, m.CongestionBad, m.RTT, m.EventsDropped)
	}
	return m
}

func (m *Metrics) ObserveSent(guarantee string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(guarantee).Inc()
}

func (m *Metrics) ObserveReceived(guarantee string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(guarantee).Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRetransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) SetCongestionBad(conn string, bad bool) {
	if m == nil {
		return
	}
	v := 0.0
	if bad {
		v = 1.0
	}
	m.CongestionBad.WithLabelValues(conn).Set(v)
}

func (m *Metrics) ObserveRTT(conn string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.RTT.WithLabelValues(conn).Observe(rtt.Seconds())
}

func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
