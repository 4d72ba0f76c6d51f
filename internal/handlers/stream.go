package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/stream"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler exposes the durable session log over REST and a live bridge
// over websocket.
type StreamHandler struct {
	hub    *stream.Hub
	logger ectologger.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(hub *stream.Hub, logger ectologger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		logger: logger,
	}
}

// PublishEventRequest is the request body for emitting a session event
type PublishEventRequest struct {
	EventType string         `json:"event_type" validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// RegisterRoutes registers the session stream routes
func (h *StreamHandler) RegisterRoutes(g *echo.Group) {
	sessions := g.Group("/sessions")
	sessions.GET("/:id/events", h.ListEvents)
	sessions.GET("/:id/ws", h.Stream)
	sessions.POST("/:id/events", h.PublishEvent)
}

// ListEvents handles GET /sessions/:id/events
func (h *StreamHandler) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()

	sessionID := c.Param("id")
	afterSequence, limit, err := streamQueryParams(c)
	if err != nil {
		return err
	}

	events, err := h.hub.Replay(ctx, sessionID, afterSequence, limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, events)
}

// PublishEvent handles POST /sessions/:id/events
func (h *StreamHandler) PublishEvent(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	var req PublishEventRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	switch req.EventType {
	case models.StreamEventThinking, models.StreamEventToolCall, models.StreamEventToolResult,
		models.StreamEventToken, models.StreamEventFinal, models.StreamEventError:
	default:
		return BadRequest("unknown event_type")
	}

	event := &models.StreamEvent{
		SessionID: c.Param("id"),
		EventType: req.EventType,
		Payload:   database.NewJSONB(req.Payload),
	}
	if err := h.hub.Publish(ctx, event); err != nil {
		return err
	}

	return CreatedResponse(c, event)
}

// Stream handles GET /sessions/:id/stream. The connection receives a
// greeting frame, any history after the requested sequence, then live events
// until the session ends or the client disconnects.
func (h *StreamHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()

	sessionID := c.Param("id")
	afterSequence, limit, err := streamQueryParams(c)
	if err != nil {
		return err
	}

	history, err := h.hub.Replay(ctx, sessionID, afterSequence, limit)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)

	// The greeting is a connection frame, not a session event; it is never
	// persisted or replayed.
	greeting := map[string]any{
		"event_type": models.StreamEventConnectionEstablished,
		"session_id": sessionID,
		"payload": map[string]any{
			"connected_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := h.writeJSON(conn, greeting); err != nil {
		return nil
	}

	for i := range history {
		if err := h.writeJSON(conn, &history[i]); err != nil {
			return nil
		}
	}

	// Reads are discarded; the socket is one-way. The read loop surfaces
	// client disconnects so the pump below can stop.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				deadline := time.Now().Add(streamWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
				return nil
			}
			if err := h.writeJSON(conn, &event); err != nil {
				return nil
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		case <-disconnected:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *StreamHandler) writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode stream frame")
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func streamQueryParams(c echo.Context) (afterSequence int64, limit int, err error) {
	limit = defaultHistoryLimit

	if raw := c.QueryParam("after_sequence"); raw != "" {
		afterSequence, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, BadRequest("invalid after_sequence")
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, BadRequest("invalid limit")
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}
	return afterSequence, limit, nil
}
