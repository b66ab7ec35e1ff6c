// Package metrics provides Prometheus instrumentation for the Teamline chat
// server. It exposes gauges for connection counts, counters for message and
// envelope throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teamline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the messages processed, labeled by outcome:
	// "direct", "team", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teamline_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "direct", "team", "rejected"

	// EnvelopesPublished counts envelopes published to the fan-out bus.
	EnvelopesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teamline_envelopes_published_total",
		Help: "Total number of envelopes published to the fan-out bus",
	})

	// FanoutLatency records the time from envelope receipt to local delivery.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teamline_fanout_latency_seconds",
		Help:    "Local fan-out dispatch latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// TypingEvents counts typing indicator transitions relayed, labeled by
	// kind: "start", "stop", or "expired".
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teamline_typing_events_total",
		Help: "Total typing indicator transitions relayed",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		EnvelopesPublished,
		FanoutLatency,
		TypingEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
