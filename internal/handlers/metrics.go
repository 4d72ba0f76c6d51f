package handlers

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

const defaultMetricsLimit = 100

// MetricsHandler exposes the periodic rollup outputs
type MetricsHandler struct {
	aggregates *repositories.MetricsAggregateRepository
	snapshots  *repositories.HealthSnapshotRepository
	costs      *repositories.CostTrackingRepository
	activities *repositories.AgentActivityRepository
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(
	aggregates *repositories.MetricsAggregateRepository,
	snapshots *repositories.HealthSnapshotRepository,
	costs *repositories.CostTrackingRepository,
	activities *repositories.AgentActivityRepository,
) *MetricsHandler {
	return &MetricsHandler{
		aggregates: aggregates,
		snapshots:  snapshots,
		costs:      costs,
		activities: activities,
	}
}

// RegisterRoutes registers the metrics routes
func (h *MetricsHandler) RegisterRoutes(g *echo.Group) {
	metricsGroup := g.Group("/metrics")
	metricsGroup.GET("/aggregates", h.ListAggregates)
	metricsGroup.GET("/health", h.LatestHealth)
	metricsGroup.GET("/health/:id", h.HealthHistory)
	metricsGroup.GET("/costs", h.ListCosts)

	g.GET("/sessions/:id/activities", h.ListActivities)
	g.POST("/sessions/:id/activities", h.RecordActivity)
}

// RecordActivityRequest is the request body for appending an agent activity
type RecordActivityRequest struct {
	AgentID          string         `json:"agent_id,omitempty"`
	AgentType        string         `json:"agent_type,omitempty"`
	ActivityType     string         `json:"activity_type" validate:"required"`
	IntegrationID    *string        `json:"integration_id,omitempty"`
	Description      *string        `json:"description,omitempty"`
	ProcessingTimeMs *int64         `json:"processing_time_ms,omitempty"`
	TokensUsed       int64          `json:"tokens_used,omitempty"`
	ToolsUsed        int64          `json:"tools_used,omitempty"`
	Success          *bool          `json:"success,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// RecordActivity handles POST /sessions/:id/activities
func (h *MetricsHandler) RecordActivity(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	var req RecordActivityRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if req.ActivityType == "" {
		return BadRequest("activity_type is required")
	}

	activity := &models.AgentActivity{
		SessionID:        c.Param("id"),
		AgentID:          req.AgentID,
		AgentType:        req.AgentType,
		ActivityType:     req.ActivityType,
		Description:      req.Description,
		ProcessingTimeMs: req.ProcessingTimeMs,
		TokensUsed:       req.TokensUsed,
		ToolsUsed:        req.ToolsUsed,
		Success:          true,
		Payload:          database.NewJSONB(req.Payload),
	}
	if req.IntegrationID != nil {
		id, err := uuid.Parse(*req.IntegrationID)
		if err != nil {
			return BadRequest("invalid integration_id")
		}
		activity.IntegrationID = &id
	}
	if req.Success != nil {
		activity.Success = *req.Success
	}

	if err := h.activities.Create(ctx, activity); err != nil {
		return err
	}

	return CreatedResponse(c, activity)
}

// ListAggregates handles GET /metrics/aggregates
func (h *MetricsHandler) ListAggregates(c echo.Context) error {
	ctx := c.Request().Context()

	integrationID, err := optionalUUIDParam(c, "integration_id")
	if err != nil {
		return err
	}
	since, err := sinceParam(c, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	aggregates, err := h.aggregates.List(ctx, integrationID, c.QueryParam("metric_type"), since, limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, aggregates)
}

// LatestHealth handles GET /metrics/health, the most recent snapshot per
// integration.
func (h *MetricsHandler) LatestHealth(c echo.Context) error {
	ctx := c.Request().Context()

	snapshots, err := h.snapshots.Latest(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, snapshots)
}

// HealthHistory handles GET /metrics/health/:id
func (h *MetricsHandler) HealthHistory(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	since, err := sinceParam(c, time.Now().AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	snapshots, err := h.snapshots.ListByIntegration(ctx, id, since, limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, snapshots)
}

// ListCosts handles GET /metrics/costs
func (h *MetricsHandler) ListCosts(c echo.Context) error {
	ctx := c.Request().Context()

	integrationID, err := optionalUUIDParam(c, "integration_id")
	if err != nil {
		return err
	}
	since, err := sinceParam(c, time.Now().AddDate(0, -1, 0))
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	costs, err := h.costs.List(ctx, integrationID, since, limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, costs)
}

// ListActivities handles GET /sessions/:id/activities
func (h *MetricsHandler) ListActivities(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	activities, err := h.activities.ListBySession(ctx, c.Param("id"), limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, activities)
}

func optionalUUIDParam(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, BadRequest("invalid " + name)
	}
	return &id, nil
}

func sinceParam(c echo.Context, fallback time.Time) (time.Time, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		return fallback, nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, BadRequest("since must be RFC3339")
	}
	return since, nil
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultMetricsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, BadRequest("invalid limit")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
