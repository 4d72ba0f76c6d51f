// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolCallsTotal tracks monitored tool calls by outcome
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "monitor",
			Name:      "tool_calls_total",
			Help:      "Total number of monitored tool calls by outcome",
		},
		[]string{"tenant_id", "integration_id", "tool", "status"},
	)

	// ToolCallDuration tracks monitored tool call duration in seconds
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "monitor",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of monitored tool calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tenant_id", "integration_id", "tool"},
	)

	// ToolCallErrorsTotal tracks classified call failures by kind
	ToolCallErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "monitor",
			Name:      "tool_call_errors_total",
			Help:      "Total number of classified tool call failures by kind",
		},
		[]string{"tenant_id", "integration_id", "kind"},
	)

	// StreamEventsPublished tracks durable stream events written
	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Total number of stream events written to the durable log",
		},
		[]string{"event_type"},
	)

	// StreamEventsDropped tracks live deliveries dropped on slow subscribers
	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Total number of live stream deliveries dropped due to a slow subscriber",
		},
		[]string{"event_type"},
	)

	// StreamSubscribers tracks currently attached live subscribers
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Number of currently attached live stream subscribers",
		},
	)

	// OAuthFlowsTotal tracks authorization flows by provider and outcome
	OAuthFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oauth",
			Name:      "flows_total",
			Help:      "Total number of OAuth authorization flows by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	// OAuthStateConsumptions tracks state token consumption outcomes
	OAuthStateConsumptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oauth",
			Name:      "state_consumptions_total",
			Help:      "Total number of OAuth state consumption attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RollupRuns tracks rollup worker runs
	RollupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "rollup",
			Name:      "runs_total",
			Help:      "Total number of rollup worker runs by status",
		},
		[]string{"kind", "status"},
	)

	// RollupDuration tracks rollup run duration
	RollupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "rollup",
			Name:      "run_duration_seconds",
			Help:      "Duration of rollup worker runs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)

// RecordToolCall records a monitored tool call outcome
func RecordToolCall(tenantID, integrationID, tool, status string, durationSeconds float64) {
	ToolCallsTotal.WithLabelValues(tenantID, integrationID, tool, status).Inc()
	ToolCallDuration.WithLabelValues(tenantID, integrationID, tool).Observe(durationSeconds)
}

// RecordToolCallError records a classified call failure
func RecordToolCallError(tenantID, integrationID, kind string) {
	ToolCallErrorsTotal.WithLabelValues(tenantID, integrationID, kind).Inc()
}

// RecordStreamEvent records a durable stream event write
func RecordStreamEvent(eventType string) {
	StreamEventsPublished.WithLabelValues(eventType).Inc()
}

// RecordStreamDrop records a dropped live delivery
func RecordStreamDrop(eventType string) {
	StreamEventsDropped.WithLabelValues(eventType).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
