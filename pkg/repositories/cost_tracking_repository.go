package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const costTrackingTable = "cost_tracking"

var costTrackingStruct = database.NewStruct(new(models.CostTracking))

// CostTrackingRepository handles database operations for the derived cost
// view.
type CostTrackingRepository struct {
	*Repository
}

// NewCostTrackingRepository creates a new cost tracking repository
func NewCostTrackingRepository(db database.DB, logger ectologger.Logger) *CostTrackingRepository {
	return &CostTrackingRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert writes a recomputed billing period. All derived columns are
// overwritten on conflict; cost rows are a view over executions, not a
// ledger. The cost worker runs outside a request context, so the tenant
// comes from the row itself.
func (r *CostTrackingRepository) Upsert(ctx context.Context, cost *models.CostTracking) error {
	ctx, span := tracing.StartSpan(ctx, "CostTrackingRepository.Upsert")
	defer span.End()

	if cost.ID == uuid.Nil {
		cost.ID = uuid.New()
	}

	query := `
		INSERT INTO cost_tracking (
			id, tenant_id, integration_id, billing_period, period_start, period_end,
			total_calls, total_cost, cost_by_tool, cost_by_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (tenant_id, integration_id, billing_period, period_start)
		DO UPDATE SET
			period_end = EXCLUDED.period_end,
			total_calls = EXCLUDED.total_calls,
			total_cost = EXCLUDED.total_cost,
			cost_by_tool = EXCLUDED.cost_by_tool,
			cost_by_day = EXCLUDED.cost_by_day,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := r.DB().QueryRowxContext(ctx, query,
		cost.ID, cost.TenantID, cost.IntegrationID, cost.BillingPeriod,
		cost.PeriodStart, cost.PeriodEnd, cost.TotalCalls, cost.TotalCost, cost.CostByTool, cost.CostByDay,
	).Scan(&cost.ID, &cost.CreatedAt, &cost.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": cost.IntegrationID,
			"billing_period": cost.BillingPeriod,
			"period_start":   cost.PeriodStart,
		}).Error("failed to upsert cost tracking")
		return err
	}

	return nil
}

// List retrieves cost rows for the current tenant, newest period first
func (r *CostTrackingRepository) List(ctx context.Context, integrationID *uuid.UUID, since time.Time, limit int) ([]models.CostTracking, error) {
	ctx, span := tracing.StartSpan(ctx, "CostTrackingRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := costTrackingStruct.SelectFrom(costTrackingTable)
	conds := []string{sb.Equal("tenant_id", tenantID)}
	if integrationID != nil {
		conds = append(conds, sb.Equal("integration_id", *integrationID))
	}
	if !since.IsZero() {
		conds = append(conds, sb.GreaterEqualThan("period_start", since))
	}
	sb.Where(conds...)
	sb.OrderBy("period_start").Desc()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sb.Limit(limit)

	query, args := sb.Build()
	var costs []models.CostTracking
	err = r.DB().SelectContext(ctx, &costs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list cost tracking")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list costs")
	}

	return costs, nil
}

// DeleteByTenantID deletes all cost rows for a tenant (for testing cleanup)
func (r *CostTrackingRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "CostTrackingRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(costTrackingTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
