package meshcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide counters for routed/delivered traffic,
// drops by reason, and authentication outcomes. Register it once per
// process against a prometheus.Registerer passed in by the owner (meshd
// passes its own prometheus.NewRegistry()).
type Metrics struct {
	PacketsRouted    prometheus.Counter
	PacketsDelivered prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	AuthSucceeded    prometheus.Counter
	AuthFailed       prometheus.Counter
	ReplaysDetected  prometheus.Counter
	BadMACs          prometheus.Counter
}

// NewMetrics constructs Metrics and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "packets_routed_total",
			Help:      "Packets forwarded on to another port.",
		}),
		PacketsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "packets_delivered_total",
			Help:      "Packets delivered to the local application handler.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, labeled by reason.",
		}, []string{"reason"}),
		AuthSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "auth_succeeded_total",
			Help:      "Authentication handshakes that reached AUTHENTICATED.",
		}),
		AuthFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "auth_failed_total",
			Help:      "Authentication handshakes that reached FAILED or timed out.",
		}),
		ReplaysDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "replays_detected_total",
			Help:      "Packets rejected by the replay window.",
		}),
		BadMACs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Name:      "bad_macs_total",
			Help:      "Packets rejected for MAC verification failure.",
		}),
	}
	reg.MustRegister(
		m.PacketsRouted, m.PacketsDelivered, m.PacketsDropped,
		m.AuthSucceeded, m.AuthFailed, m.ReplaysDetected, m.BadMACs,
	)
	return m
}

// RecordDrop bumps the dropped-packet counter for reason.
func (m *Metrics) RecordDrop(reason DropReason) {
	m.PacketsDropped.WithLabelValues(reason.String()).Inc()
}
