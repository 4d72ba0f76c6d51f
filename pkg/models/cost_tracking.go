package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// Billing period granularities
const (
	BillingPeriodDaily   = "daily"
	BillingPeriodMonthly = "monthly"
)

// CostTracking is a derived view of estimated spend per integration and
// billing period, recomputed from executions and the configured cost table.
// It is not a ledger.
type CostTracking struct {
	ID            uuid.UUID                          `db:"id" json:"id"`
	TenantID      uuid.UUID                          `db:"tenant_id" json:"tenant_id"`
	IntegrationID uuid.UUID                          `db:"integration_id" json:"integration_id"`
	BillingPeriod string                             `db:"billing_period" json:"billing_period"`
	PeriodStart   time.Time                          `db:"period_start" json:"period_start"`
	PeriodEnd     time.Time                          `db:"period_end" json:"period_end"`
	TotalCalls    int64                              `db:"total_calls" json:"total_calls"`
	TotalCost     float64                            `db:"total_cost" json:"total_cost"`
	CostByTool    database.JSONB[map[string]float64] `db:"cost_by_tool" json:"cost_by_tool"`
	CostByDay     database.JSONB[map[string]float64] `db:"cost_by_day" json:"cost_by_day"`
	CreatedAt     time.Time                          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                          `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (CostTracking) TableName() string {
	return "cost_tracking"
}
