package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/oauth"
	"github.com/Ramsey-B/clover/pkg/stream"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// newTestContext builds an echo context with a tenant already authenticated
func newTestContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(appctx.SetTenantID(context.Background(), uuid.New().String()))

	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertStatusCode(t *testing.T, err error, want int) {
	t.Helper()
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, want, httperror.GetStatusCode(err))
}

func TestInvoke_Validation(t *testing.T) {
	h := NewExecutionHandler(nil, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing session_id", `{"tool_name":"t","method":"GET","endpoint":"https://api.example.com"}`},
		{"missing tool_name", `{"session_id":"s","method":"GET","endpoint":"https://api.example.com"}`},
		{"missing method", `{"session_id":"s","tool_name":"t","endpoint":"https://api.example.com"}`},
		{"relative endpoint", `{"session_id":"s","tool_name":"t","method":"GET","endpoint":"/v1/users"}`},
		{"bad integration_id", `{"session_id":"s","tool_name":"t","method":"GET","endpoint":"https://api.example.com","integration_id":"nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(t, http.MethodPost, "/api/v1/tools/invoke", tt.body)
			assertStatusCode(t, h.Invoke(c), http.StatusBadRequest)
		})
	}
}

func TestInvoke_RequiresTenant(t *testing.T) {
	h := NewExecutionHandler(nil, nil, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/invoke", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	assertStatusCode(t, h.Invoke(c), http.StatusUnauthorized)
}

func TestMapStateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown state", oauth.ErrStateNotFound, http.StatusBadRequest},
		{"expired state", oauth.ErrStateExpired, http.StatusGone},
		{"replayed state", oauth.ErrStateAlreadyUsed, http.StatusConflict},
		{"provider rejected code", oauth.ErrExchangeFailed, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertStatusCode(t, mapStateError(tt.err), tt.want)
		})
	}
}

func TestMapStateError_PassesThroughUnknown(t *testing.T) {
	cause := errors.New("database is down")
	assert.Equal(t, cause, mapStateError(cause))
}

// fakeEventStore backs a stream.Hub without a database
type fakeEventStore struct {
	events []models.StreamEvent
	seq    int64
}

func (f *fakeEventStore) Create(ctx context.Context, event *models.StreamEvent) error {
	f.seq++
	event.Sequence = f.seq
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeEventStore) ListBySession(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]models.StreamEvent, error) {
	var out []models.StreamEvent
	for _, e := range f.events {
		if e.SessionID == sessionID && e.Sequence > afterSequence {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestPublishEvent_RejectsUnknownKind(t *testing.T) {
	hub := stream.NewHub(&fakeEventStore{}, getTestLogger(), 8)
	h := NewStreamHandler(hub, getTestLogger())

	c, _ := newTestContext(t, http.MethodPost, "/api/v1/sessions/sess-1/events", `{"event_type":"bogus"}`)
	c.SetParamNames("id")
	c.SetParamValues("sess-1")

	assertStatusCode(t, h.PublishEvent(c), http.StatusBadRequest)
}

func TestPublishEventAndListEvents(t *testing.T) {
	store := &fakeEventStore{}
	hub := stream.NewHub(store, getTestLogger(), 8)
	h := NewStreamHandler(hub, getTestLogger())

	for _, payload := range []string{
		`{"event_type":"thinking","payload":{"step":1}}`,
		`{"event_type":"token","payload":{"text":"hi"}}`,
	} {
		c, rec := newTestContext(t, http.MethodPost, "/api/v1/sessions/sess-1/events", payload)
		c.SetParamNames("id")
		c.SetParamValues("sess-1")
		require.NoError(t, h.PublishEvent(c))
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	c, rec := newTestContext(t, http.MethodGet, "/api/v1/sessions/sess-1/events?after_sequence=1", "")
	c.SetParamNames("id")
	c.SetParamValues("sess-1")
	require.NoError(t, h.ListEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sequence":2`)
	assert.NotContains(t, rec.Body.String(), `"sequence":1,`)
}

func TestListEvents_InvalidQueryParams(t *testing.T) {
	hub := stream.NewHub(&fakeEventStore{}, getTestLogger(), 8)
	h := NewStreamHandler(hub, getTestLogger())

	c, _ := newTestContext(t, http.MethodGet, "/api/v1/sessions/sess-1/events?after_sequence=abc", "")
	c.SetParamNames("id")
	c.SetParamValues("sess-1")
	assertStatusCode(t, h.ListEvents(c), http.StatusBadRequest)

	c, _ = newTestContext(t, http.MethodGet, "/api/v1/sessions/sess-1/events?limit=0", "")
	c.SetParamNames("id")
	c.SetParamValues("sess-1")
	assertStatusCode(t, h.ListEvents(c), http.StatusBadRequest)
}
