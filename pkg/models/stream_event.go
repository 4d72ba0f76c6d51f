package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// Stream event kinds. Final and error end the stream for a session.
const (
	StreamEventConnectionEstablished = "connection_established"
	StreamEventThinking              = "thinking"
	StreamEventToolCall              = "tool_call"
	StreamEventToolResult            = "tool_result"
	StreamEventToken                 = "token"
	StreamEventFinal                 = "final"
	StreamEventError                 = "error"
)

// StreamEvent is the durable record of a live session event. Rows are
// written before any live delivery is attempted, so the history endpoint is
// complete even when no subscriber was attached.
type StreamEvent struct {
	ID        uuid.UUID                      `db:"id" json:"id"`
	TenantID  uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	SessionID string                         `db:"session_id" json:"session_id"`
	Sequence  int64                          `db:"sequence" json:"sequence"`
	EventType string                         `db:"event_type" json:"event_type"`
	Payload   database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (StreamEvent) TableName() string {
	return "stream_events"
}

// IsTerminal reports whether this event ends the session's stream. Error
// events carrying an execution_id describe one failed call, not the session,
// and leave the stream open.
func (e *StreamEvent) IsTerminal() bool {
	switch e.EventType {
	case StreamEventFinal:
		return true
	case StreamEventError:
		_, scoped := e.Payload.GetValue()["execution_id"]
		return !scoped
	default:
		return false
	}
}
