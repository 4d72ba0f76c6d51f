package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// Aggregate window types
const (
	MetricTypeHourly = "hourly"
	MetricTypeDaily  = "daily"
)

// MetricsAggregate is a rollup of tool executions for one integration and
// window. Rows are recomputed from raw executions and upserted, so re-running
// a window converges rather than double counting.
type MetricsAggregate struct {
	ID               uuid.UUID                        `db:"id" json:"id"`
	TenantID         uuid.UUID                        `db:"tenant_id" json:"tenant_id"`
	IntegrationID    uuid.UUID                        `db:"integration_id" json:"integration_id"`
	MetricType       string                           `db:"metric_type" json:"metric_type"`
	MetricDate       time.Time                        `db:"metric_date" json:"metric_date"`
	TotalCalls       int64                            `db:"total_calls" json:"total_calls"`
	SuccessCalls     int64                            `db:"success_calls" json:"success_calls"`
	FailedCalls      int64                            `db:"failed_calls" json:"failed_calls"`
	RateLimitedCalls int64                            `db:"rate_limited_calls" json:"rate_limited_calls"`
	ErrorCounts      database.JSONB[map[string]int64] `db:"error_counts" json:"error_counts"`
	AvgLatencyMs     float64                          `db:"avg_latency_ms" json:"avg_latency_ms"`
	P50LatencyMs     float64                          `db:"p50_latency_ms" json:"p50_latency_ms"`
	P95LatencyMs     float64                          `db:"p95_latency_ms" json:"p95_latency_ms"`
	P99LatencyMs     float64                          `db:"p99_latency_ms" json:"p99_latency_ms"`
	ToolUsage        database.JSONB[map[string]int64] `db:"tool_usage" json:"tool_usage"`
	EstimatedCost    float64                          `db:"estimated_cost" json:"estimated_cost"`
	CreatedAt        time.Time                        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time                        `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (MetricsAggregate) TableName() string {
	return "metrics_aggregates"
}
