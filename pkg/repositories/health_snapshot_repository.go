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

const healthSnapshotsTable = "integration_health_snapshots"

var healthSnapshotStruct = database.NewStruct(new(models.IntegrationHealthSnapshot))

// HealthSnapshotRepository handles database operations for the append-only
// integration health history.
type HealthSnapshotRepository struct {
	*Repository
}

// NewHealthSnapshotRepository creates a new health snapshot repository
func NewHealthSnapshotRepository(db database.DB, logger ectologger.Logger) *HealthSnapshotRepository {
	return &HealthSnapshotRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create appends a snapshot. The snapshot worker runs outside a request
// context, so the tenant comes from the snapshot itself.
func (r *HealthSnapshotRepository) Create(ctx context.Context, snapshot *models.IntegrationHealthSnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "HealthSnapshotRepository.Create")
	defer span.End()

	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(healthSnapshotsTable).
		Cols("id", "tenant_id", "integration_id", "score", "error_rate",
			"avg_response_ms", "checks_passed", "checks_total", "details").
		Values(snapshot.ID, snapshot.TenantID, snapshot.IntegrationID, snapshot.Score,
			snapshot.ErrorRate, snapshot.AvgResponseMs, snapshot.ChecksPassed,
			snapshot.ChecksTotal, snapshot.Details).
		Returning("created_at")

	query, args := ib.Build()
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&snapshot.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": snapshot.IntegrationID,
		}).Error("failed to create health snapshot")
		return err
	}

	return nil
}

// Latest returns the most recent snapshot per integration for the current
// tenant.
func (r *HealthSnapshotRepository) Latest(ctx context.Context) ([]models.IntegrationHealthSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "HealthSnapshotRepository.Latest")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT ON (integration_id)
			id, tenant_id, integration_id, score, error_rate, avg_response_ms,
			checks_passed, checks_total, details, created_at
		FROM integration_health_snapshots
		WHERE tenant_id = $1
		ORDER BY integration_id, created_at DESC`

	var snapshots []models.IntegrationHealthSnapshot
	err = r.DB().SelectContext(ctx, &snapshots, query, tenantID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get latest health snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get health snapshots")
	}

	return snapshots, nil
}

// ListByIntegration returns an integration's snapshot history, newest first
// (tenant-scoped).
func (r *HealthSnapshotRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, since time.Time, limit int) ([]models.IntegrationHealthSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "HealthSnapshotRepository.ListByIntegration")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := healthSnapshotStruct.SelectFrom(healthSnapshotsTable)
	conds := []string{
		sb.Equal("tenant_id", tenantID),
		sb.Equal("integration_id", integrationID),
	}
	if !since.IsZero() {
		conds = append(conds, sb.GreaterEqualThan("created_at", since))
	}
	sb.Where(conds...)
	sb.OrderBy("created_at").Desc()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	sb.Limit(limit)

	query, args := sb.Build()
	var snapshots []models.IntegrationHealthSnapshot
	err = r.DB().SelectContext(ctx, &snapshots, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to list health snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list health snapshots")
	}

	return snapshots, nil
}

// DeleteByTenantID deletes all snapshots for a tenant (for testing cleanup)
func (r *HealthSnapshotRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "HealthSnapshotRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(healthSnapshotsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
