package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_active_connections",
		Help: "Open websocket connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_active_rooms",
		Help: "Rooms with at least one member.",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_events_received_total",
		Help: "Inbound events by name.",
	}, []string{"event"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_events_rejected_total",
		Help: "Events refused before broadcast, by reason.",
	}, []string{"reason"})

	BroadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_broadcasts_sent_total",
		Help: "Fan-out deliveries queued, by event name.",
	}, []string{"event"})

	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_slow_clients_dropped_total",
		Help: "Connections evicted because their send queue overflowed.",
	})
)

// Handler exposes the Prometheus registry at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
