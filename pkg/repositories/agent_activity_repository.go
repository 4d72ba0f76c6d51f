package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const agentActivitiesTable = "agent_activities"

var agentActivityStruct = database.NewStruct(new(models.AgentActivity))

// AgentActivityRepository handles database operations for the append-only
// agent activity audit trail.
type AgentActivityRepository struct {
	*Repository
}

// NewAgentActivityRepository creates a new agent activity repository
func NewAgentActivityRepository(db database.DB, logger ectologger.Logger) *AgentActivityRepository {
	return &AgentActivityRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create appends an activity record
func (r *AgentActivityRepository) Create(ctx context.Context, activity *models.AgentActivity) error {
	ctx, span := tracing.StartSpan(ctx, "AgentActivityRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	activity.TenantID = tenantID

	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(agentActivitiesTable).
		Cols("id", "tenant_id", "session_id", "agent_id", "agent_type", "activity_type",
			"integration_id", "description", "processing_time_ms", "tokens_used",
			"tools_used", "success", "payload").
		Values(activity.ID, activity.TenantID, activity.SessionID, activity.AgentID,
			activity.AgentType, activity.ActivityType, activity.IntegrationID,
			activity.Description, activity.ProcessingTimeMs, activity.TokensUsed,
			activity.ToolsUsed, activity.Success, activity.Payload).
		Returning("created_at")

	query, args := ib.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&activity.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id":    activity.SessionID,
			"activity_type": activity.ActivityType,
		}).Error("failed to create agent activity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record activity")
	}

	return nil
}

// ListBySession returns a session's activities in insertion order
// (tenant-scoped).
func (r *AgentActivityRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.AgentActivity, error) {
	ctx, span := tracing.StartSpan(ctx, "AgentActivityRepository.ListBySession")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := agentActivityStruct.SelectFrom(agentActivitiesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("session_id", sessionID))
	sb.OrderBy("created_at", "id")

	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	sb.Limit(limit)

	query, args := sb.Build()
	var activities []models.AgentActivity
	err = r.DB().SelectContext(ctx, &activities, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id": sessionID,
		}).Error("failed to list agent activities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list activities")
	}

	return activities, nil
}

// DeleteByTenantID deletes all activities for a tenant (for testing cleanup)
func (r *AgentActivityRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "AgentActivityRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(agentActivitiesTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
