package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// Tool execution statuses
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusSucceeded = "succeeded"
	ExecutionStatusFailed    = "failed"
)

// Classified failure kinds for a monitored call
const (
	ErrorKindRateLimit      = "rate_limit"
	ErrorKindAuthentication = "authentication"
	ErrorKindConnectivity   = "connectivity"
	ErrorKindAPI            = "api"
)

// ToolExecution records one monitored outbound call made on behalf of an
// agent session.
type ToolExecution struct {
	ID                uuid.UUID                      `db:"id" json:"id"`
	TenantID          uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	SessionID         string                         `db:"session_id" json:"session_id"`
	IntegrationID     *uuid.UUID                     `db:"integration_id" json:"integration_id,omitempty"`
	ToolName          string                         `db:"tool_name" json:"tool_name"`
	Method            string                         `db:"method" json:"method"`
	Endpoint          string                         `db:"endpoint" json:"endpoint"`
	Status            string                         `db:"status" json:"status"`
	HTTPStatus        *int                           `db:"http_status" json:"http_status,omitempty"`
	ErrorKind         *string                        `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage      *string                        `db:"error_message" json:"error_message,omitempty"`
	RetryAfterSeconds *int                           `db:"retry_after_seconds" json:"retry_after_seconds,omitempty"`
	ResponseSize      *int64                         `db:"response_size" json:"response_size,omitempty"`
	ContentType       *string                        `db:"content_type" json:"content_type,omitempty"`
	DurationMs        *int64                         `db:"duration_ms" json:"duration_ms,omitempty"`
	Metadata          database.JSONB[map[string]any] `db:"metadata" json:"metadata,omitempty"`
	StartedAt         time.Time                      `db:"started_at" json:"started_at"`
	FinishedAt        *time.Time                     `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt         time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ToolExecution) TableName() string {
	return "tool_executions"
}

// Execution event types
const (
	ExecutionEventStart  = "start"
	ExecutionEventFinish = "finish"
)

// ToolExecutionEvent is an append-only child record of a ToolExecution.
// Every monitored call gets a start event and exactly one terminal event.
type ToolExecutionEvent struct {
	ID          uuid.UUID                      `db:"id" json:"id"`
	TenantID    uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	ExecutionID uuid.UUID                      `db:"execution_id" json:"execution_id"`
	EventType   string                         `db:"event_type" json:"event_type"`
	Payload     database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ToolExecutionEvent) TableName() string {
	return "tool_execution_events"
}
