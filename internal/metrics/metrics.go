// Package metrics exposes Prometheus collectors for the streaming subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection and session metrics.
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Number of currently attached WebSocket connections",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Number of sessions currently held in the registry",
		},
	)

	SessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_sessions_evicted_total",
			Help: "Sessions removed after the idle grace period elapsed",
		},
	)

	// Buffer metrics.
	BufferEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_buffer_evictions_total",
			Help: "Buffered messages dropped because a session buffer was full",
		},
	)

	MessagesReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_replayed_total",
			Help: "Buffered messages replayed to reconnecting clients",
		},
	)

	// Routing metrics.
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_inbound_messages_total",
			Help: "Inbound client messages by type",
		},
		[]string{"type"},
	)

	RoutingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_routing_errors_total",
			Help: "Inbound messages rejected as malformed or unknown",
		},
	)

	// Stream job metrics.
	StreamJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_stream_jobs_active",
			Help: "Stream jobs currently pulling from the generator",
		},
	)

	StreamJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_jobs_total",
			Help: "Finished stream jobs by outcome",
		},
		[]string{"outcome"},
	)

	FragmentsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_fragments_emitted_total",
			Help: "Generated text fragments fanned out as chunk messages",
		},
	)
)

// Stream job outcome label values.
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionsActive,
		SessionsEvicted,
		BufferEvictions,
		MessagesReplayed,
		InboundMessages,
		RoutingErrors,
		StreamJobsActive,
		StreamJobsTotal,
		FragmentsEmitted,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
