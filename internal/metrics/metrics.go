// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, counters for message
// throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "persisted", "broadcast", "relayed", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// BroadcastLatency records the time from receiving a chat frame to
	// handing it to the fan-out layer, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_broadcast_latency_seconds",
		Help:    "Chat message persist-and-broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks the current number of rooms with at least one
	// local member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Current number of rooms with local members",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		BroadcastLatency,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
