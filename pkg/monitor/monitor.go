package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// executionStore persists monitored calls. Satisfied by
// repositories.ToolExecutionRepository.
type executionStore interface {
	Create(ctx context.Context, execution *models.ToolExecution) error
	Finish(ctx context.Context, execution *models.ToolExecution) (bool, error)
}

// eventPublisher delivers live session events. Satisfied by stream.Hub.
type eventPublisher interface {
	Publish(ctx context.Context, event *models.StreamEvent) error
}

// recordPublisher ships call records to downstream consumers. Satisfied by
// kafka.Producer.
type recordPublisher interface {
	PublishRecord(ctx context.Context, msg *kafka.ToolCallRecordMessage) error
	PublishError(ctx context.Context, msg *kafka.ToolCallRecordMessage) error
}

// usageRecorder bumps the live usage counters. Satisfied by
// repositories.MetricsAggregateRepository.
type usageRecorder interface {
	IncrementToolUsage(ctx context.Context, integrationID uuid.UUID, toolName string, success bool) error
}

// ToolCall describes one outbound call about to be made
type ToolCall struct {
	SessionID     string
	IntegrationID *uuid.UUID
	ToolName      string
	Method        string
	Endpoint      string
	Metadata      map[string]any
}

// Monitor wraps outbound API calls with durable recording, live stream
// events, failure classification, and downstream publishing.
type Monitor struct {
	executions executionStore
	events     eventPublisher
	records    recordPublisher
	usage      usageRecorder
	client     *httpclient.Client
	logger     ectologger.Logger
}

// NewMonitor creates a new call monitor. records and usage may be nil when
// Kafka or the metrics fast path are not wired.
func NewMonitor(
	executions executionStore,
	events eventPublisher,
	records recordPublisher,
	usage usageRecorder,
	client *httpclient.Client,
	logger ectologger.Logger,
) *Monitor {
	return &Monitor{
		executions: executions,
		events:     events,
		records:    records,
		usage:      usage,
		client:     client,
		logger:     logger,
	}
}

// Call is one in-flight monitored execution. Finish may be called multiple
// times; only the first terminal outcome is recorded. done is closed once
// the winning Finish has stored its result, so losers never observe a
// half-written outcome.
type Call struct {
	monitor   *Monitor
	execution *models.ToolExecution
	started   time.Time
	done      chan struct{}

	mu       sync.Mutex
	finished bool
	result   error
}

// Execution returns the underlying execution record
func (c *Call) Execution() *models.ToolExecution {
	return c.execution
}

// Start records a running execution and announces it on the session stream.
// The durable record is written before the call proceeds.
func (m *Monitor) Start(ctx context.Context, call ToolCall) (*Call, error) {
	ctx, span := tracing.StartSpan(ctx, "Monitor.Start")
	defer span.End()

	execution := &models.ToolExecution{
		SessionID:     call.SessionID,
		IntegrationID: call.IntegrationID,
		ToolName:      call.ToolName,
		Method:        call.Method,
		Endpoint:      call.Endpoint,
		Metadata:      database.NewJSONB(call.Metadata),
	}

	if err := m.executions.Create(ctx, execution); err != nil {
		return nil, err
	}

	m.publishStreamEvent(ctx, call.SessionID, models.StreamEventToolCall, map[string]any{
		"execution_id": execution.ID.String(),
		"tool_name":    call.ToolName,
		"method":       call.Method,
		"endpoint":     call.Endpoint,
	})

	return &Call{
		monitor:   m,
		execution: execution,
		started:   time.Now(),
		done:      make(chan struct{}),
	}, nil
}

// Do runs one fully monitored HTTP call: start, execute, finish. The
// returned error is the classified outcome; the response and call record are
// returned even on classified failures so callers can inspect them.
func (m *Monitor) Do(ctx context.Context, call ToolCall, req *http.Request) (*Call, *httpclient.Response, error) {
	c, err := m.Start(ctx, call)
	if err != nil {
		return nil, nil, err
	}

	resp, reqErr := m.client.Do(ctx, req)
	return c, resp, c.Finish(ctx, resp, reqErr)
}

// Finish classifies the outcome and records the terminal state. Exactly one
// terminal outcome wins; later calls return the first result unchanged.
// Returns nil on success, otherwise the classified error.
func (c *Call) Finish(ctx context.Context, resp *httpclient.Response, callErr error) error {
	ctx, span := tracing.StartSpan(ctx, "Monitor.Finish")
	defer span.End()

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		<-c.done
		return c.result
	}
	c.finished = true
	c.mu.Unlock()

	classified := Classify(resp, callErr)
	duration := time.Since(c.started)
	durationMs := duration.Milliseconds()

	execution := c.execution
	execution.DurationMs = &durationMs

	if resp != nil {
		execution.HTTPStatus = &resp.StatusCode
		execution.ResponseSize = &resp.ContentLength
		if resp.ContentType != "" {
			contentType := resp.ContentType
			execution.ContentType = &contentType
		}
	}

	if classified == nil {
		execution.Status = models.ExecutionStatusSucceeded
	} else {
		execution.Status = models.ExecutionStatusFailed
		kind := errorKind(classified)
		message := classified.Error()
		execution.ErrorKind = &kind
		execution.ErrorMessage = &message

		var rateLimited *RateLimitError
		if errors.As(classified, &rateLimited) && rateLimited.RetryAfter > 0 {
			retryAfter := int(rateLimited.RetryAfter.Seconds())
			execution.RetryAfterSeconds = &retryAfter
		}
	}

	performed, err := c.monitor.executions.Finish(ctx, execution)
	if err != nil {
		c.monitor.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": execution.ID,
		}).Error("failed to record call outcome")
	}
	if performed {
		c.monitor.recordOutcome(ctx, execution, classified)
	}

	c.result = classified
	close(c.done)
	return classified
}

// recordOutcome emits metrics, stream events, and downstream records for a
// finished execution. Only the winning Finish reaches here.
func (m *Monitor) recordOutcome(ctx context.Context, execution *models.ToolExecution, classified error) {
	tenantID := appctx.GetTenantID(ctx)
	integrationID := ""
	if execution.IntegrationID != nil {
		integrationID = execution.IntegrationID.String()
	}

	durationSeconds := 0.0
	if execution.DurationMs != nil {
		durationSeconds = float64(*execution.DurationMs) / 1000
	}
	metrics.RecordToolCall(tenantID, integrationID, execution.ToolName, execution.Status, durationSeconds)

	payload := map[string]any{
		"execution_id": execution.ID.String(),
		"tool_name":    execution.ToolName,
		"status":       execution.Status,
	}
	if execution.HTTPStatus != nil {
		payload["http_status"] = *execution.HTTPStatus
	}
	if classified != nil {
		kind := errorKind(classified)
		payload["error_kind"] = kind
		payload["error_message"] = classified.Error()
		metrics.RecordToolCallError(tenantID, integrationID, kind)
	}
	m.publishStreamEvent(ctx, execution.SessionID, models.StreamEventToolResult, payload)

	// Failed calls also surface as an error event scoped to the execution.
	// The execution_id keeps it from being read as end-of-session.
	if classified != nil {
		m.publishStreamEvent(ctx, execution.SessionID, models.StreamEventError, map[string]any{
			"execution_id": execution.ID.String(),
			"tool_name":    execution.ToolName,
			"error_kind":   errorKind(classified),
			"message":      classified.Error(),
		})
	}

	if m.usage != nil && execution.IntegrationID != nil {
		success := execution.Status == models.ExecutionStatusSucceeded
		if err := m.usage.IncrementToolUsage(ctx, *execution.IntegrationID, execution.ToolName, success); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to bump live usage counters")
		}
	}

	if m.records != nil {
		m.publishRecord(ctx, execution, classified)
	}
}

func (m *Monitor) publishRecord(ctx context.Context, execution *models.ToolExecution, classified error) {
	msg := &kafka.ToolCallRecordMessage{
		TenantID:        execution.TenantID.String(),
		SessionID:       execution.SessionID,
		ExecutionID:     execution.ID.String(),
		ToolName:        execution.ToolName,
		RequestMethod:   execution.Method,
		RequestEndpoint: execution.Endpoint,
		Status:          execution.Status,
	}
	if execution.IntegrationID != nil {
		msg.IntegrationID = execution.IntegrationID.String()
	}
	if execution.HTTPStatus != nil {
		msg.HTTPStatus = *execution.HTTPStatus
	}
	if execution.ErrorKind != nil {
		msg.ErrorKind = *execution.ErrorKind
	}
	if execution.ErrorMessage != nil {
		msg.ErrorMessage = *execution.ErrorMessage
	}
	if execution.RetryAfterSeconds != nil {
		msg.RetryAfterSeconds = *execution.RetryAfterSeconds
	}
	if execution.ResponseSize != nil {
		msg.ResponseSize = *execution.ResponseSize
	}
	if execution.ContentType != nil {
		msg.ContentType = *execution.ContentType
	}
	if execution.DurationMs != nil {
		msg.DurationMs = *execution.DurationMs
	}

	if err := m.records.PublishRecord(ctx, msg); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("failed to publish call record")
	}
	if classified != nil {
		if err := m.records.PublishError(ctx, msg); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to publish call error record")
		}
	}
}

func (m *Monitor) publishStreamEvent(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}

	event := &models.StreamEvent{
		SessionID: sessionID,
		EventType: eventType,
		Payload:   database.NewJSONB(payload),
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id": sessionID,
			"event_type": eventType,
		}).Warn("failed to publish stream event")
	}
}

// Classify maps a call outcome to its failure kind. Returns nil for
// successful responses.
func Classify(resp *httpclient.Response, callErr error) error {
	if callErr != nil {
		return &ConnectivityError{Err: callErr}
	}
	if resp == nil {
		return &ConnectivityError{Err: errNoResponse}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Headers["Retry-After"]),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &ConnectivityError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &APIError{StatusCode: resp.StatusCode}
	default:
		return nil
	}
}

func errorKind(err error) string {
	switch e := err.(type) {
	case *RateLimitError:
		return e.Kind()
	case *AuthenticationError:
		return e.Kind()
	case *ConnectivityError:
		return e.Kind()
	case *APIError:
		return e.Kind()
	default:
		return models.ErrorKindAPI
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
