package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	toolExecutionsTable      = "tool_executions"
	toolExecutionEventsTable = "tool_execution_events"
)

var (
	toolExecutionStruct      = database.NewStruct(new(models.ToolExecution))
	toolExecutionEventStruct = database.NewStruct(new(models.ToolExecutionEvent))
)

// ExecutionFilter narrows List queries
type ExecutionFilter struct {
	SessionID     string
	IntegrationID *uuid.UUID
	Status        string
	Limit         int
	Offset        int
}

// ToolExecutionRepository handles database operations for monitored tool
// calls and their append-only event children.
type ToolExecutionRepository struct {
	*Repository
}

// NewToolExecutionRepository creates a new tool execution repository
func NewToolExecutionRepository(db database.DB, logger ectologger.Logger) *ToolExecutionRepository {
	return &ToolExecutionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a running execution together with its start event in one
// transaction.
func (r *ToolExecutionRepository) Create(ctx context.Context, execution *models.ToolExecution) error {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	execution.TenantID = tenantID

	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if execution.Status == "" {
		execution.Status = models.ExecutionStatusRunning
	}
	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now().UTC()
	}

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record execution")
	}
	defer tx.Rollback(ctx)

	ib := database.NewInsertBuilder()
	ib.InsertInto(toolExecutionsTable).
		Cols("id", "tenant_id", "session_id", "integration_id", "tool_name",
			"method", "endpoint", "status", "metadata", "started_at").
		Values(execution.ID, execution.TenantID, execution.SessionID, execution.IntegrationID,
			execution.ToolName, execution.Method, execution.Endpoint, execution.Status,
			execution.Metadata, execution.StartedAt).
		Returning("created_at")

	query, args := ib.Build()
	err = tx.QueryRowxContext(ctx, query, args...).Scan(&execution.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": execution.ID,
		}).Error("failed to create tool execution")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record execution")
	}

	startEvent := &models.ToolExecutionEvent{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExecutionID: execution.ID,
		EventType:   models.ExecutionEventStart,
		Payload: database.NewJSONB(map[string]any{
			"tool_name": execution.ToolName,
			"method":    execution.Method,
			"endpoint":  execution.Endpoint,
		}),
	}
	if err := r.insertEvent(ctx, tx, startEvent); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record execution")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record execution")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id": execution.ID,
		"tool_name":    execution.ToolName,
	}).Debug("Created tool execution")
	return nil
}

// Finish records the terminal outcome of an execution and its finish event.
// The conditional update on finished_at IS NULL means a second finish is a
// no-op: the first terminal outcome wins and only one finish event exists.
// Returns true when this call performed the finish.
func (r *ToolExecutionRepository) Finish(ctx context.Context, execution *models.ToolExecution) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.Finish")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if execution.FinishedAt == nil {
		execution.FinishedAt = &now
	}

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to finish execution")
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE tool_executions
		SET status = $1, http_status = $2, error_kind = $3, error_message = $4,
			retry_after_seconds = $5, response_size = $6, content_type = $7,
			duration_ms = $8, finished_at = $9
		WHERE tenant_id = $10 AND id = $11 AND finished_at IS NULL
		RETURNING finished_at`

	var finishedAt time.Time
	err = tx.GetContext(ctx, &finishedAt, query,
		execution.Status, execution.HTTPStatus, execution.ErrorKind, execution.ErrorMessage,
		execution.RetryAfterSeconds, execution.ResponseSize, execution.ContentType,
		execution.DurationMs, execution.FinishedAt, tenantID, execution.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// already finished (or not this tenant's row); nothing to do
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": execution.ID,
		}).Error("failed to finish tool execution")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to finish execution")
	}

	payload := map[string]any{
		"status": execution.Status,
	}
	if execution.HTTPStatus != nil {
		payload["http_status"] = *execution.HTTPStatus
	}
	if execution.ErrorKind != nil {
		payload["error_kind"] = *execution.ErrorKind
	}
	if execution.DurationMs != nil {
		payload["duration_ms"] = *execution.DurationMs
	}

	finishEvent := &models.ToolExecutionEvent{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExecutionID: execution.ID,
		EventType:   models.ExecutionEventFinish,
		Payload:     database.NewJSONB(payload),
	}
	if err := r.insertEvent(ctx, tx, finishEvent); err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to finish execution")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to finish execution")
	}

	return true, nil
}

func (r *ToolExecutionRepository) insertEvent(ctx context.Context, tx database.Tx, event *models.ToolExecutionEvent) error {
	ib := database.NewInsertBuilder()
	ib.InsertInto(toolExecutionEventsTable).
		Cols("id", "tenant_id", "execution_id", "event_type", "payload").
		Values(event.ID, event.TenantID, event.ExecutionID, event.EventType, event.Payload)

	query, args := ib.Build()
	_, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": event.ExecutionID,
			"event_type":   event.EventType,
		}).Error("failed to insert execution event")
	}
	return err
}

// GetByID retrieves an execution by ID (tenant-scoped)
func (r *ToolExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ToolExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := toolExecutionStruct.SelectFrom(toolExecutionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var execution models.ToolExecution
	err = r.DB().GetContext(ctx, &execution, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "execution %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": id,
		}).Error("failed to get execution")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get execution")
	}

	return &execution, nil
}

// ListEvents returns the append-only events of one execution in insertion
// order (tenant-scoped).
func (r *ToolExecutionRepository) ListEvents(ctx context.Context, executionID uuid.UUID) ([]models.ToolExecutionEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.ListEvents")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := toolExecutionEventStruct.SelectFrom(toolExecutionEventsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("execution_id", executionID))
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var events []models.ToolExecutionEvent
	err = r.DB().SelectContext(ctx, &events, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": executionID,
		}).Error("failed to list execution events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list execution events")
	}

	return events, nil
}

// List retrieves executions for the current tenant, newest first
func (r *ToolExecutionRepository) List(ctx context.Context, filter ExecutionFilter) ([]models.ToolExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := toolExecutionStruct.SelectFrom(toolExecutionsTable)
	conds := []string{sb.Equal("tenant_id", tenantID)}
	if filter.SessionID != "" {
		conds = append(conds, sb.Equal("session_id", filter.SessionID))
	}
	if filter.IntegrationID != nil {
		conds = append(conds, sb.Equal("integration_id", *filter.IntegrationID))
	}
	if filter.Status != "" {
		conds = append(conds, sb.Equal("status", filter.Status))
	}
	sb.Where(conds...)
	sb.OrderBy("started_at").Desc()

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sb.Limit(limit)
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	var executions []models.ToolExecution
	err = r.DB().SelectContext(ctx, &executions, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list executions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list executions")
	}

	return executions, nil
}

// ListFinishedInWindow returns all finished executions for one integration
// inside [from, to). Used by the rollup workers, which run outside a request
// context and therefore scope by explicit tenant.
func (r *ToolExecutionRepository) ListFinishedInWindow(ctx context.Context, tenantID, integrationID uuid.UUID, from, to time.Time) ([]models.ToolExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.ListFinishedInWindow")
	defer span.End()

	sb := toolExecutionStruct.SelectFrom(toolExecutionsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("integration_id", integrationID),
		sb.IsNotNull("finished_at"),
		sb.GreaterEqualThan("started_at", from),
		sb.LessThan("started_at", to),
	)
	sb.OrderBy("started_at")

	query, args := sb.Build()
	var executions []models.ToolExecution
	err := r.DB().SelectContext(ctx, &executions, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to list executions for window")
		return nil, err
	}

	return executions, nil
}

// DeleteByTenantID deletes all executions for a tenant (for testing cleanup)
func (r *ToolExecutionRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ToolExecutionRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(toolExecutionsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
