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

const metricsAggregatesTable = "metrics_aggregates"

var metricsAggregateStruct = database.NewStruct(new(models.MetricsAggregate))

// MetricsAggregateRepository handles database operations for rollup windows
type MetricsAggregateRepository struct {
	*Repository
}

// NewMetricsAggregateRepository creates a new metrics aggregate repository
func NewMetricsAggregateRepository(db database.DB, logger ectologger.Logger) *MetricsAggregateRepository {
	return &MetricsAggregateRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert writes a recomputed window. Every computed column is overwritten on
// conflict, so re-running a rollup converges instead of double counting. The
// rollup workers run outside a request context, so the tenant comes from the
// aggregate itself.
func (r *MetricsAggregateRepository) Upsert(ctx context.Context, agg *models.MetricsAggregate) error {
	ctx, span := tracing.StartSpan(ctx, "MetricsAggregateRepository.Upsert")
	defer span.End()

	if agg.ID == uuid.Nil {
		agg.ID = uuid.New()
	}

	query := `
		INSERT INTO metrics_aggregates (
			id, tenant_id, integration_id, metric_type, metric_date,
			total_calls, success_calls, failed_calls, rate_limited_calls,
			error_counts, avg_latency_ms, p50_latency_ms, p95_latency_ms, p99_latency_ms,
			tool_usage, estimated_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT (tenant_id, integration_id, metric_type, metric_date)
		DO UPDATE SET
			total_calls = EXCLUDED.total_calls,
			success_calls = EXCLUDED.success_calls,
			failed_calls = EXCLUDED.failed_calls,
			rate_limited_calls = EXCLUDED.rate_limited_calls,
			error_counts = EXCLUDED.error_counts,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms,
			p99_latency_ms = EXCLUDED.p99_latency_ms,
			tool_usage = EXCLUDED.tool_usage,
			estimated_cost = EXCLUDED.estimated_cost,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := r.DB().QueryRowxContext(ctx, query,
		agg.ID, agg.TenantID, agg.IntegrationID, agg.MetricType, agg.MetricDate,
		agg.TotalCalls, agg.SuccessCalls, agg.FailedCalls, agg.RateLimitedCalls,
		agg.ErrorCounts, agg.AvgLatencyMs, agg.P50LatencyMs, agg.P95LatencyMs, agg.P99LatencyMs,
		agg.ToolUsage, agg.EstimatedCost,
	).Scan(&agg.ID, &agg.CreatedAt, &agg.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": agg.IntegrationID,
			"metric_type":    agg.MetricType,
			"metric_date":    agg.MetricDate,
		}).Error("failed to upsert metrics aggregate")
		return err
	}

	return nil
}

// IncrementToolUsage is the monitor's fast path: it bumps call counts and the
// per-tool usage map for the current daily window directly in SQL. The next
// full rollup recomputes the window from raw executions, correcting any skew.
func (r *MetricsAggregateRepository) IncrementToolUsage(ctx context.Context, integrationID uuid.UUID, toolName string, success bool) error {
	ctx, span := tracing.StartSpan(ctx, "MetricsAggregateRepository.IncrementToolUsage")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	successInc := 0
	failedInc := 0
	if success {
		successInc = 1
	} else {
		failedInc = 1
	}

	query := `
		INSERT INTO metrics_aggregates (
			id, tenant_id, integration_id, metric_type, metric_date,
			total_calls, success_calls, failed_calls, rate_limited_calls,
			error_counts, avg_latency_ms, p50_latency_ms, p95_latency_ms, p99_latency_ms,
			tool_usage, estimated_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, date_trunc('day', NOW()),
			1, $5, $6, 0, '{}'::jsonb, 0, 0, 0, 0,
			jsonb_build_object($7::text, 1), 0, NOW(), NOW())
		ON CONFLICT (tenant_id, integration_id, metric_type, metric_date)
		DO UPDATE SET
			total_calls = metrics_aggregates.total_calls + 1,
			success_calls = metrics_aggregates.success_calls + $5,
			failed_calls = metrics_aggregates.failed_calls + $6,
			tool_usage = jsonb_set(
				metrics_aggregates.tool_usage,
				ARRAY[$7::text],
				to_jsonb(COALESCE((metrics_aggregates.tool_usage->>$7::text)::bigint, 0) + 1)),
			updated_at = NOW()`

	_, err = r.DB().ExecContext(ctx, query,
		uuid.New(), tenantID, integrationID, models.MetricTypeDaily,
		successInc, failedInc, toolName)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
			"tool_name":      toolName,
		}).Error("failed to increment tool usage")
		return err
	}

	return nil
}

// Get retrieves one window (tenant-scoped)
func (r *MetricsAggregateRepository) Get(ctx context.Context, integrationID uuid.UUID, metricType string, metricDate time.Time) (*models.MetricsAggregate, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsAggregateRepository.Get")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := metricsAggregateStruct.SelectFrom(metricsAggregatesTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("integration_id", integrationID),
		sb.Equal("metric_type", metricType),
		sb.Equal("metric_date", metricDate),
	)

	query, args := sb.Build()
	var agg models.MetricsAggregate
	err = r.DB().GetContext(ctx, &agg, query, args...)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// List retrieves windows for the current tenant, newest first
func (r *MetricsAggregateRepository) List(ctx context.Context, integrationID *uuid.UUID, metricType string, since time.Time, limit int) ([]models.MetricsAggregate, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsAggregateRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := metricsAggregateStruct.SelectFrom(metricsAggregatesTable)
	conds := []string{sb.Equal("tenant_id", tenantID)}
	if integrationID != nil {
		conds = append(conds, sb.Equal("integration_id", *integrationID))
	}
	if metricType != "" {
		conds = append(conds, sb.Equal("metric_type", metricType))
	}
	if !since.IsZero() {
		conds = append(conds, sb.GreaterEqualThan("metric_date", since))
	}
	sb.Where(conds...)
	sb.OrderBy("metric_date").Desc()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sb.Limit(limit)

	query, args := sb.Build()
	var aggs []models.MetricsAggregate
	err = r.DB().SelectContext(ctx, &aggs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list metrics aggregates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list metrics aggregates")
	}

	return aggs, nil
}

// DeleteByTenantID deletes all aggregates for a tenant (for testing cleanup)
func (r *MetricsAggregateRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsAggregateRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(metricsAggregatesTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
