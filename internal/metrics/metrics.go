// Package metrics provides Prometheus instrumentation for the real-time chat
// server: gauges for connections, online identities and live chat rooms,
// counters for message and event throughput, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// OnlineIdentities tracks identities with at least one live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_identities",
		Help: "Current number of identities with at least one live connection",
	})

	// ActiveRooms tracks chats with at least one joined connection.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_rooms",
		Help: "Current number of chats with joined connections",
	})

	// MessagesTotal counts send outcomes, labeled by result:
	// "persisted", "rejected" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total number of message sends by outcome",
	}, []string{"result"})

	// EventsTotal counts inbound client events by event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Total number of client events handled",
	}, []string{"event"})

	// ErrorsTotal counts error events returned to clients, by wire code.
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_errors_total",
		Help: "Total number of error events sent to clients",
	}, []string{"code"})

	// PresenceTransitions counts online/offline transitions.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_presence_transitions_total",
		Help: "Total number of presence transitions",
	}, []string{"state"}) // state = "online", "offline"

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// RelayedEvents counts chat events received from other instances.
	RelayedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_relayed_events_total",
		Help: "Total number of chat events delivered from other instances",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		ActiveRooms,
		MessagesTotal,
		EventsTotal,
		ErrorsTotal,
		PresenceTransitions,
		PersistLatency,
		RelayedEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
