// Package metrics provides Prometheus instrumentation for the realtime relay.
// It exposes a gauge for active sessions, counters for message throughput and
// session outcomes, and histograms for handshake latency and flush sizes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message directions.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Message dispositions.
const (
	DispositionForwarded = "forwarded"
	DispositionQueued    = "queued"
	DispositionDropped   = "dropped"
)

var (
	// ActiveSessions tracks the current number of relay sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of active relay sessions",
	})

	// SessionsClosed counts finished sessions by close reason.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_closed_total",
		Help: "Total number of relay sessions closed, by reason",
	}, []string{"reason"})

	// Messages counts envelopes by direction and disposition.
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of relayed envelopes",
	}, []string{"direction", "disposition"})

	// DecodeErrors counts undecodable frames by leg ("client" or "upstream").
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_decode_errors_total",
		Help: "Total number of frames that failed to decode",
	}, []string{"leg"})

	// PendingFlushSize records how many buffered messages each flush replayed.
	PendingFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_pending_flush_size",
		Help:    "Number of buffered client messages replayed when upstream became ready",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// UpstreamHandshake records upstream handshake latency in seconds by result.
	UpstreamHandshake = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_handshake_seconds",
		Help:    "Upstream websocket handshake latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsClosed,
		Messages,
		DecodeErrors,
		PendingFlushSize,
		UpstreamHandshake,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
