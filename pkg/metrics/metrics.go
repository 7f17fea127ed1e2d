package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tripchat"

// Metrics groups the collectors updated by the connection manager and the
// dispatch router.
type Metrics struct {
	Reconnects    prometheus.Counter
	AckTimeouts   prometheus.Counter
	PacketsIn     *prometheus.CounterVec
	PacketsOut    *prometheus.CounterVec
	SendFailures  prometheus.Counter
	QuoteChanges  *prometheus.CounterVec
	PresenceCheck *prometheus.CounterVec
	Connected     prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Connection attempts made after the first one.",
		}),
		AckTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_timeouts_total",
			Help: "Emitted events that were not acknowledged in time.",
		}),
		PacketsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_in_total",
			Help: "Packets received by type.",
		}, []string{"type"}),
		PacketsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_out_total",
			Help: "Packets sent by type.",
		}, []string{"type"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_send_failures_total",
			Help: "Messages marked failed.",
		}),
		QuoteChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quote_transitions_total",
			Help: "Quote state transitions by resulting state.",
		}, []string{"state"}),
		PresenceCheck: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_checks_total",
			Help: "Presence point checks by outcome.",
		}, []string{"outcome"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected",
			Help: "1 while the connection is open.",
		}),
	}
}

// Discard returns collectors registered on a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler exposes the collectors of reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
