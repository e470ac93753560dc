// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and presence counts, counters for message
// outcomes and read-status upgrades, and a histogram for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for MessagesTotal.
const (
	OutcomeDelivered   = "delivered"
	OutcomeRead        = "read"
	OutcomeRejected    = "rejected"
	OutcomeRateLimited = "rate_limited"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "twomark_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomOnline tracks the presence count of the room after the latest change.
	RoomOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "twomark_room_online",
		Help: "Number of sessions currently present in the chat room",
	})

	// MessagesTotal counts chat messages by outcome: "delivered", "read",
	// "rejected" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twomark_messages_total",
		Help: "Total number of chat messages processed, by outcome",
	}, []string{"outcome"})

	// ReadUpgradesTotal counts retroactive upgrade announcements (1 -> 2 joins).
	ReadUpgradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twomark_read_upgrades_total",
		Help: "Total number of update_read_status broadcasts",
	})

	// BroadcastLatency records how long a room broadcast takes to fan out.
	BroadcastLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twomark_broadcast_latency_seconds",
		Help:    "Room broadcast fan-out latency in seconds, by event type",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomOnline,
		MessagesTotal,
		ReadUpgradesTotal,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
