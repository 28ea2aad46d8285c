// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks open websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// WSMessagesTotal tracks inbound websocket messages by kind and outcome.
	WSMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_total",
			Help: "Inbound websocket messages",
		},
		[]string{"type", "result"},
	)

	// BroadcastDeliveries tracks broadcast frames enqueued to recipients.
	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_deliveries_total",
			Help: "Broadcast frames enqueued to recipient connections",
		},
	)

	// BroadcastDropped tracks recipients dropped because their buffer was full.
	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Recipients disconnected because their outbound buffer was full",
		},
	)

	// SessionsCreated tracks sessions created by type.
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total collaboration sessions created",
		},
		[]string{"type"},
	)

	// SessionsEnded tracks sessions ended by reason.
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Total collaboration sessions ended",
		},
		[]string{"reason"},
	)

	// ConflictsDetected tracks conflicts raised by the detector.
	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflicts_detected_total",
			Help: "Total edit conflicts detected",
		},
		[]string{"type"},
	)

	// ConflictsResolved tracks conflict resolutions by strategy.
	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflicts_resolved_total",
			Help: "Total conflicts resolved",
		},
		[]string{"strategy"},
	)

	// CommentsTotal tracks comments created.
	CommentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comments_total",
			Help: "Total comments created",
		},
		[]string{"kind"},
	)

	// PersistenceFailures tracks swallowed non-critical write failures.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Non-critical persistence failures that were logged and ignored",
		},
		[]string{"operation"},
	)

	// SweepRuns tracks lifecycle sweeper passes.
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_sweeps_total",
			Help: "Lifecycle sweeper passes",
		},
		[]string{"result"},
	)

	// NATSRelayMessages tracks relay traffic between nodes.
	NATSRelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_relay_messages_total",
			Help: "Broadcast frames relayed through NATS",
		},
		[]string{"direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordMessage records one inbound websocket message.
func RecordMessage(kind, result string) {
	WSMessagesTotal.WithLabelValues(kind, result).Inc()
}

// IncrementWSConnections increments the active websocket connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the active websocket connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}
