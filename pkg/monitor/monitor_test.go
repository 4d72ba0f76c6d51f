package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*models.ToolExecution
	finishes   int
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: make(map[uuid.UUID]*models.ToolExecution)}
}

func (f *fakeExecutionStore) Create(ctx context.Context, execution *models.ToolExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tenant := appctx.GetTenantID(ctx); tenant != "" {
		execution.TenantID = uuid.MustParse(tenant)
	}
	execution.ID = uuid.New()
	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = time.Now().UTC()

	stored := *execution
	f.executions[execution.ID] = &stored
	return nil
}

func (f *fakeExecutionStore) Finish(ctx context.Context, execution *models.ToolExecution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.executions[execution.ID]
	if !ok || stored.FinishedAt != nil {
		return false, nil
	}

	now := time.Now().UTC()
	copied := *execution
	copied.FinishedAt = &now
	f.executions[execution.ID] = &copied
	f.finishes++
	return true, nil
}

func (f *fakeExecutionStore) get(id uuid.UUID) *models.ToolExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions[id]
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (f *fakeEventPublisher) Publish(ctx context.Context, event *models.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeEventPublisher) byType(eventType string) []models.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StreamEvent
	for _, event := range f.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fakeRecordPublisher struct {
	mu      sync.Mutex
	records []kafka.ToolCallRecordMessage
	errs    []kafka.ToolCallRecordMessage
}

func (f *fakeRecordPublisher) PublishRecord(ctx context.Context, msg *kafka.ToolCallRecordMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *msg)
	return nil
}

func (f *fakeRecordPublisher) PublishError(ctx context.Context, msg *kafka.ToolCallRecordMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, *msg)
	return nil
}

type usageIncrement struct {
	integrationID uuid.UUID
	toolName      string
	success       bool
}

type fakeUsageRecorder struct {
	mu         sync.Mutex
	increments []usageIncrement
}

func (f *fakeUsageRecorder) IncrementToolUsage(ctx context.Context, integrationID uuid.UUID, toolName string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, usageIncrement{integrationID, toolName, success})
	return nil
}

type monitorHarness struct {
	monitor *Monitor
	store   *fakeExecutionStore
	events  *fakeEventPublisher
	records *fakeRecordPublisher
	usage   *fakeUsageRecorder
}

func newMonitorHarness() *monitorHarness {
	logger := getTestLogger()
	store := newFakeExecutionStore()
	events := &fakeEventPublisher{}
	records := &fakeRecordPublisher{}
	usage := &fakeUsageRecorder{}
	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)

	return &monitorHarness{
		monitor: NewMonitor(store, events, records, usage, client, logger),
		store:   store,
		events:  events,
		records: records,
		usage:   usage,
	}
}

func monitorTestContext() context.Context {
	return appctx.SetTenantID(context.Background(), uuid.New().String())
}

func testResponse(status int, headers map[string]string) *httpclient.Response {
	if headers == nil {
		headers = map[string]string{}
	}
	return &httpclient.Response{
		StatusCode:    status,
		Headers:       headers,
		ContentType:   "application/json",
		ContentLength: 42,
		Duration:      25 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		resp     *httpclient.Response
		callErr  error
		wantKind string
	}{
		{"success", testResponse(200, nil), nil, ""},
		{"created", testResponse(201, nil), nil, ""},
		{"rate limited", testResponse(429, nil), nil, models.ErrorKindRateLimit},
		{"unauthorized", testResponse(401, nil), nil, models.ErrorKindAuthentication},
		{"forbidden", testResponse(403, nil), nil, models.ErrorKindAuthentication},
		{"server error", testResponse(500, nil), nil, models.ErrorKindConnectivity},
		{"bad gateway", testResponse(502, nil), nil, models.ErrorKindConnectivity},
		{"not found", testResponse(404, nil), nil, models.ErrorKindAPI},
		{"unprocessable", testResponse(422, nil), nil, models.ErrorKindAPI},
		{"transport failure", nil, errors.New("connection refused"), models.ErrorKindConnectivity},
		{"no response", nil, nil, models.ErrorKindConnectivity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.resp, tt.callErr)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errorKind(err))
		})
	}
}

func TestClassify_RetryAfterSeconds(t *testing.T) {
	err := Classify(testResponse(429, map[string]string{"Retry-After": "30"}), nil)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 30*time.Second, rateLimited.RetryAfter)
}

func TestClassify_RetryAfterHTTPDate(t *testing.T) {
	at := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	err := Classify(testResponse(429, map[string]string{"Retry-After": at}), nil)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, 80*time.Second)
	assert.LessOrEqual(t, rateLimited.RetryAfter, 90*time.Second)
}

func TestClassify_RetryAfterMissing(t *testing.T) {
	err := Classify(testResponse(429, nil), nil)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, time.Duration(0), rateLimited.RetryAfter)
}

func TestCall_FinishSuccess(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()
	integrationID := uuid.New()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID:     "session-1",
		IntegrationID: &integrationID,
		ToolName:      "github.list_issues",
		Method:        http.MethodGet,
		Endpoint:      "https://api.github.com/issues",
	})
	require.NoError(t, err)

	require.NoError(t, call.Finish(ctx, testResponse(200, nil), nil))

	stored := h.store.get(call.Execution().ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.ExecutionStatusSucceeded, stored.Status)
	require.NotNil(t, stored.HTTPStatus)
	assert.Equal(t, 200, *stored.HTTPStatus)
	require.NotNil(t, stored.DurationMs)
	assert.Nil(t, stored.ErrorKind)

	// start announced on the stream, outcome announced on the stream
	assert.Len(t, h.events.byType(models.StreamEventToolCall), 1)
	results := h.events.byType(models.StreamEventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, models.ExecutionStatusSucceeded, results[0].Payload.GetValue()["status"])

	require.Len(t, h.records.records, 1)
	assert.Empty(t, h.records.errs)

	require.Len(t, h.usage.increments, 1)
	assert.True(t, h.usage.increments[0].success)
	assert.Equal(t, integrationID, h.usage.increments[0].integrationID)
}

func TestCall_FinishRateLimit(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()
	integrationID := uuid.New()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID:     "session-1",
		IntegrationID: &integrationID,
		ToolName:      "slack.post_message",
		Method:        http.MethodPost,
		Endpoint:      "https://slack.com/api/chat.postMessage",
	})
	require.NoError(t, err)

	err = call.Finish(ctx, testResponse(429, map[string]string{"Retry-After": "30"}), nil)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)

	stored := h.store.get(call.Execution().ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorKind)
	assert.Equal(t, models.ErrorKindRateLimit, *stored.ErrorKind)
	require.NotNil(t, stored.RetryAfterSeconds)
	assert.Equal(t, 30, *stored.RetryAfterSeconds)

	// failures land on both the record and error topics
	require.Len(t, h.records.records, 1)
	require.Len(t, h.records.errs, 1)
	assert.Equal(t, models.ErrorKindRateLimit, h.records.errs[0].ErrorKind)
	assert.Equal(t, 30, h.records.errs[0].RetryAfterSeconds)

	require.Len(t, h.usage.increments, 1)
	assert.False(t, h.usage.increments[0].success)
}

func TestCall_FailureEmitsErrorEvent(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "jira.create_issue",
		Method:    http.MethodPost,
		Endpoint:  "https://acme.atlassian.net/rest/api/3/issue",
	})
	require.NoError(t, err)

	finishErr := call.Finish(ctx, testResponse(503, nil), nil)
	require.Error(t, finishErr)

	// the failure shows up on the stream as an error event with a readable
	// message, scoped to the execution so it does not end the session
	errEvents := h.events.byType(models.StreamEventError)
	require.Len(t, errEvents, 1)
	payload := errEvents[0].Payload.GetValue()
	assert.Equal(t, call.Execution().ID.String(), payload["execution_id"])
	assert.Equal(t, models.ErrorKindConnectivity, payload["error_kind"])
	assert.Equal(t, finishErr.Error(), payload["message"])
	assert.False(t, errEvents[0].IsTerminal())

	results := h.events.byType(models.StreamEventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, finishErr.Error(), results[0].Payload.GetValue()["error_message"])
}

func TestCall_SuccessEmitsNoErrorEvent(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "github.get_repo",
		Method:    http.MethodGet,
		Endpoint:  "https://api.github.com/repos/acme/widgets",
	})
	require.NoError(t, err)

	require.NoError(t, call.Finish(ctx, testResponse(200, nil), nil))
	assert.Empty(t, h.events.byType(models.StreamEventError))
}

func TestCall_FinishIsIdempotent(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "github.get_repo",
		Method:    http.MethodGet,
		Endpoint:  "https://api.github.com/repos/acme/widgets",
	})
	require.NoError(t, err)

	first := call.Finish(ctx, testResponse(503, nil), nil)
	var connectivity *ConnectivityError
	require.ErrorAs(t, first, &connectivity)

	// a contradictory second finish does not overwrite the first outcome
	second := call.Finish(ctx, testResponse(200, nil), nil)
	assert.Equal(t, first, second)

	stored := h.store.get(call.Execution().ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, 1, h.store.finishes)
	assert.Len(t, h.events.byType(models.StreamEventToolResult), 1)
	assert.Len(t, h.records.records, 1)
}

func TestCall_ConcurrentFinishSeesWinnerResult(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()

	call, err := h.monitor.Start(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "github.get_repo",
		Method:    http.MethodGet,
		Endpoint:  "https://api.github.com/repos/acme/widgets",
	})
	require.NoError(t, err)

	// every racing finish reports a failure, so whichever wins, all callers
	// must observe a non-nil classified error
	const racers = 8
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = call.Finish(ctx, testResponse(503, nil), nil)
		}(i)
	}
	wg.Wait()

	winner := results[0]
	require.Error(t, winner)
	for _, result := range results[1:] {
		assert.Equal(t, winner, result)
	}
	assert.Equal(t, 1, h.store.finishes)
}

func TestMonitor_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	h := newMonitorHarness()
	ctx := monitorTestContext()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	call, resp, err := h.monitor.Do(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "github.get_repo",
		Method:    http.MethodGet,
		Endpoint:  server.URL,
	}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ExecutionStatusSucceeded, call.Execution().Status)
	assert.Equal(t, 1, h.store.finishes)
}

func TestMonitor_DoTransportFailure(t *testing.T) {
	h := newMonitorHarness()
	ctx := monitorTestContext()

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)

	_, _, err = h.monitor.Do(ctx, ToolCall{
		SessionID: "session-1",
		ToolName:  "github.get_repo",
		Method:    http.MethodGet,
		Endpoint:  "http://127.0.0.1:1",
	}, req)

	var connectivity *ConnectivityError
	require.ErrorAs(t, err, &connectivity)
	assert.Equal(t, 1, h.store.finishes)
}
