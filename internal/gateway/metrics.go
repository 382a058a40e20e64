// ABOUTME: Prometheus instruments for the relay
// ABOUTME: Registered on a per-Gateway registry so test instances stay isolated

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on the messages_dropped counter.
const (
	dropNoRoute     = "no_route"
	dropDuplicate   = "duplicate"
	dropRateLimited = "rate_limited"
	dropNoSession   = "no_session"
)

// Metrics holds the relay's instruments.
type Metrics struct {
	Connections    *prometheus.GaugeVec
	FramesReceived *prometheus.CounterVec
	Routed         *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	PersistErrors  *prometheus.CounterVec
	AuthFailures   prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coven_relay",
			Name:      "connections",
			Help:      "Open websocket connections by role (none before authentication).",
		}, []string{"role"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_relay",
			Name:      "frames_received_total",
			Help:      "Inbound frames by envelope type (invalid when undecodable).",
		}, []string{"type"}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_relay",
			Name:      "messages_routed_total",
			Help:      "Deliveries to peers by envelope type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_relay",
			Name:      "messages_dropped_total",
			Help:      "Envelopes not delivered, by type and reason.",
		}, []string{"type", "reason"}),
		PersistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_relay",
			Name:      "persist_errors_total",
			Help:      "Store write failures by operation.",
		}, []string{"op"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coven_relay",
			Name:      "auth_failures_total",
			Help:      "Rejected auth attempts.",
		}),
	}

	reg.MustRegister(m.Connections, m.FramesReceived, m.Routed, m.Dropped, m.PersistErrors, m.AuthFailures)
	return m
}

func roleLabel(r string) string {
	if r == "" {
		return "none"
	}
	return r
}
