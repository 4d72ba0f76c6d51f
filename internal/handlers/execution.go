package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/monitor"
	"github.com/Ramsey-B/clover/pkg/oauth"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

// ExecutionHandler handles monitored call invocation and execution queries
type ExecutionHandler struct {
	repo    *repositories.ToolExecutionRepository
	monitor *monitor.Monitor
	oauth   *oauth.Manager
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(repo *repositories.ToolExecutionRepository, m *monitor.Monitor, oauthManager *oauth.Manager) *ExecutionHandler {
	return &ExecutionHandler{
		repo:    repo,
		monitor: m,
		oauth:   oauthManager,
	}
}

// InvokeToolRequest describes one outbound call to make on behalf of a
// session. When integration_id is set the stored credentials are injected as
// a bearer token.
type InvokeToolRequest struct {
	SessionID     string            `json:"session_id" validate:"required"`
	IntegrationID *string           `json:"integration_id,omitempty"`
	ToolName      string            `json:"tool_name" validate:"required"`
	Method        string            `json:"method" validate:"required"`
	Endpoint      string            `json:"endpoint" validate:"required"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// InvokeToolResponse reports the recorded outcome of an invocation. The
// endpoint answers 200 for classified upstream failures; the failure lives in
// the error field, not the transport status.
type InvokeToolResponse struct {
	Execution *models.ToolExecution `json:"execution"`
	Response  *InvokeUpstream       `json:"response,omitempty"`
	Error     *InvokeError          `json:"error,omitempty"`
}

// InvokeUpstream is the upstream response summary
type InvokeUpstream struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Body        string `json:"body,omitempty"`
}

// InvokeError is the classified failure of an invocation
type InvokeError struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// RegisterRoutes registers the execution routes
func (h *ExecutionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/tools/invoke", h.Invoke)

	executions := g.Group("/executions")
	executions.GET("", h.List)
	executions.GET("/:id", h.Get)
	executions.GET("/:id/events", h.ListEvents)
}

// Invoke handles POST /tools/invoke
func (h *ExecutionHandler) Invoke(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	var req InvokeToolRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if req.SessionID == "" {
		return BadRequest("session_id is required")
	}
	if req.ToolName == "" {
		return BadRequest("tool_name is required")
	}
	if req.Method == "" {
		return BadRequest("method is required")
	}
	if req.Endpoint == "" || !strings.HasPrefix(req.Endpoint, "http") {
		return BadRequest("endpoint must be an absolute URL")
	}

	call := monitor.ToolCall{
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		Method:    strings.ToUpper(req.Method),
		Endpoint:  req.Endpoint,
		Metadata:  req.Metadata,
	}

	var integrationID *uuid.UUID
	if req.IntegrationID != nil {
		id, err := uuid.Parse(*req.IntegrationID)
		if err != nil {
			return BadRequest("invalid integration_id")
		}
		integrationID = &id
		call.IntegrationID = integrationID
	}

	upstream, err := http.NewRequestWithContext(ctx, call.Method, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return BadRequest("invalid method or endpoint")
	}
	if len(req.Body) > 0 {
		upstream.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		upstream.Header.Set(key, value)
	}

	if integrationID != nil {
		creds, err := h.oauth.GetCredentials(ctx, *integrationID)
		if err != nil {
			return err
		}
		token := creds["access_token"]
		if token == "" {
			token = creds["api_key"]
		}
		if token != "" {
			upstream.Header.Set("Authorization", "Bearer "+token)
		}
	}

	recorded, resp, callErr := h.monitor.Do(ctx, call, upstream)
	if recorded == nil {
		return callErr
	}

	result := InvokeToolResponse{Execution: recorded.Execution()}
	if resp != nil {
		result.Response = &InvokeUpstream{
			StatusCode:  resp.StatusCode,
			ContentType: resp.ContentType,
			Size:        resp.ContentLength,
			Body:        string(resp.Body),
		}
	}
	if callErr != nil {
		invokeErr := &InvokeError{Message: callErr.Error()}
		if execution := recorded.Execution(); execution.ErrorKind != nil {
			invokeErr.Kind = *execution.ErrorKind
		}
		if execution := recorded.Execution(); execution.RetryAfterSeconds != nil {
			invokeErr.RetryAfterSeconds = *execution.RetryAfterSeconds
		}
		result.Error = invokeErr
	}

	return SuccessResponse(c, result)
}

// List handles GET /executions
func (h *ExecutionHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	filter := repositories.ExecutionFilter{
		SessionID: c.QueryParam("session_id"),
		Status:    c.QueryParam("status"),
	}
	if raw := c.QueryParam("integration_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return BadRequest("invalid integration_id")
		}
		filter.IntegrationID = &id
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return BadRequest("invalid limit")
		}
		filter.Limit = limit
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return BadRequest("invalid offset")
		}
		filter.Offset = offset
	}

	executions, err := h.repo.List(ctx, filter)
	if err != nil {
		return err
	}

	return SuccessResponse(c, executions)
}

// Get handles GET /executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	execution, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, execution)
}

// ListEvents handles GET /executions/:id/events
func (h *ExecutionHandler) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	events, err := h.repo.ListEvents(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, events)
}
