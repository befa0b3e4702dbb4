package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_messages_published_total",
			Help: "Total number of messages handed to the broker",
		},
		[]string{"topic"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_messages_dropped_total",
			Help: "Total number of messages dropped because the broker was unavailable",
		},
		[]string{"topic"},
	)

	MessagesBuffered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_messages_buffered_total",
			Help: "Total number of messages stored in the outbox while the broker was unavailable",
		},
		[]string{"topic"},
	)

	OutboxFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_outbox_flushed_total",
			Help: "Total number of outbox messages published after reconnecting",
		},
		[]string{"topic"},
	)

	// Consume metrics
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_messages_consumed_total",
			Help: "Total number of deliveries passed to handlers",
		},
		[]string{"topic"},
	)

	MessageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_message_failures_total",
			Help: "Total number of deliveries discarded, by reason",
		},
		[]string{"topic", "error_type"}, // "processing_error", "malformed_payload"
	)

	MessageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_message_processing_duration_seconds",
			Help:    "Time spent in message handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Broker connection metrics
	BrokerConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_broker_connected",
			Help: "1 while the broker connection is established, 0 otherwise",
		},
	)

	BrokerReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_broker_reconnect_attempts_total",
			Help: "Total number of broker reconnection attempts",
		},
	)

	BrokerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_broker_disconnects_total",
			Help: "Total number of lost broker connections",
		},
	)

	// Realtime metrics
	RealtimeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_realtime_sessions",
			Help: "Current number of authenticated realtime sessions",
		},
	)

	RealtimeRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_realtime_rooms",
			Help: "Current number of identity rooms with at least one session",
		},
	)

	RealtimeHandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_realtime_handshake_failures_total",
			Help: "Total number of rejected realtime handshakes",
		},
		[]string{"reason"}, // "missing", "invalid", "expired", "origin"
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_realtime_events_total",
			Help: "Total number of inbound realtime events",
		},
		[]string{"event", "result"}, // result: "relayed", "rejected"
	)

	RealtimeFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_realtime_frames_dropped_total",
			Help: "Total number of outbound frames dropped because a session queue was full",
		},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_notifications_total",
			Help: "Total number of welcome notifications, by result",
		},
		[]string{"result"}, // "sent", "failed"
	)
)

// RecordHandshakeFailure counts a rejected realtime handshake
func RecordHandshakeFailure(reason string) {
	RealtimeHandshakeFailures.WithLabelValues(reason).Inc()
}

// RecordRealtimeEvent counts an inbound realtime event
func RecordRealtimeEvent(event string, relayed bool) {
	result := "rejected"
	if relayed {
		result = "relayed"
	}
	RealtimeEvents.WithLabelValues(event, result).Inc()
}

// UpdateRealtimeGauges sets the session and room gauges
func UpdateRealtimeGauges(sessions, rooms int) {
	RealtimeSessions.Set(float64(sessions))
	RealtimeRooms.Set(float64(rooms))
}

// RecordNotification counts a welcome notification attempt
func RecordNotification(err error) {
	if err != nil {
		NotificationsSent.WithLabelValues("failed").Inc()
		return
	}
	NotificationsSent.WithLabelValues("sent").Inc()
}

// HandlerCollector records handler metrics for the interceptor chain
type HandlerCollector struct{}

// IncrementMessageCount counts a delivery passed to a handler
func (HandlerCollector) IncrementMessageCount(topic string) {
	MessagesConsumed.WithLabelValues(topic).Inc()
}

// RecordProcessingTime observes handler duration
func (HandlerCollector) RecordProcessingTime(topic string, duration time.Duration) {
	MessageProcessingDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// IncrementErrorCount counts a discarded delivery
func (HandlerCollector) IncrementErrorCount(topic string, errorType string) {
	MessageFailures.WithLabelValues(topic, errorType).Inc()
}

// ConnectionRecorder tracks broker connection state changes
type ConnectionRecorder struct{}

// OnConnected sets the connection gauge
func (ConnectionRecorder) OnConnected() {
	BrokerConnectionState.Set(1)
}

// OnDisconnected clears the connection gauge
func (ConnectionRecorder) OnDisconnected(error) {
	BrokerConnectionState.Set(0)
	BrokerDisconnects.Inc()
}

// OnReconnecting counts a reconnection attempt
func (ConnectionRecorder) OnReconnecting(int) {
	BrokerReconnectAttempts.Inc()
}
