package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// IntegrationHealthSnapshot is an append-only point-in-time health reading
// for one integration. Score is 0-100, worse as error rate or latency climb.
type IntegrationHealthSnapshot struct {
	ID            uuid.UUID                      `db:"id" json:"id"`
	TenantID      uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	IntegrationID uuid.UUID                      `db:"integration_id" json:"integration_id"`
	Score         float64                        `db:"score" json:"score"`
	ErrorRate     float64                        `db:"error_rate" json:"error_rate"`
	AvgResponseMs float64                        `db:"avg_response_ms" json:"avg_response_ms"`
	ChecksPassed  int                            `db:"checks_passed" json:"checks_passed"`
	ChecksTotal   int                            `db:"checks_total" json:"checks_total"`
	Details       database.JSONB[map[string]any] `db:"details" json:"details,omitempty"`
	CreatedAt     time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (IntegrationHealthSnapshot) TableName() string {
	return "integration_health_snapshots"
}
