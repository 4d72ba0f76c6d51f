package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// AgentActivity is an append-only record of a step an agent session took,
// coarser grained than stream events and kept for audit.
type AgentActivity struct {
	ID               uuid.UUID                      `db:"id" json:"id"`
	TenantID         uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	SessionID        string                         `db:"session_id" json:"session_id"`
	AgentID          string                         `db:"agent_id" json:"agent_id"`
	AgentType        string                         `db:"agent_type" json:"agent_type"`
	ActivityType     string                         `db:"activity_type" json:"activity_type"`
	IntegrationID    *uuid.UUID                     `db:"integration_id" json:"integration_id,omitempty"`
	Description      *string                        `db:"description" json:"description,omitempty"`
	ProcessingTimeMs *int64                         `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	TokensUsed       int64                          `db:"tokens_used" json:"tokens_used"`
	ToolsUsed        int64                          `db:"tools_used" json:"tools_used"`
	Success          bool                           `db:"success" json:"success"`
	Payload          database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`
	CreatedAt        time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (AgentActivity) TableName() string {
	return "agent_activities"
}
