package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "The current number of active WebSocket connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "The total number of WebSocket connections accepted by this instance.",
	})

	// Event metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_received_total",
		Help: "The total number of inbound events received from clients.",
	}, []string{"event"})
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_broadcast_total",
		Help: "The total number of events fanned out to local connections.",
	}, []string{"event"})
	EventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_event_errors_total",
		Help: "The total number of handler errors reported back to clients.",
	}, []string{"code"})

	// Broadcast bus metrics
	BusMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_messages_published_total",
		Help: "The total number of messages published to the broadcast bus.",
	}, []string{"broker_type"})
	BusMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_messages_received_total",
		Help: "The total number of messages replayed from the broadcast bus.",
	}, []string{"broker_type"})
	BusPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_publish_failures_total",
		Help: "The total number of failed publishes to the broadcast bus.",
	}, []string{"broker_type"})

	// Presence metrics
	PresenceWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_writes_total",
		Help: "The total number of presence store mutations.",
	})
	PresenceDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_degraded_total",
		Help: "The total number of presence writes that fell back to local-only mode.",
	})

	// Message cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_message_cache_hits_total",
		Help: "The total number of recent-history reads served from the cache.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_message_cache_misses_total",
		Help: "The total number of recent-history reads that fell back to the durable store.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
