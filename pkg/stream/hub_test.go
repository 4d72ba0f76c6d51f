package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string][]models.StreamEvent
	fail   error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string][]models.StreamEvent)}
}

func (f *fakeEventStore) Create(ctx context.Context, event *models.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return f.fail
	}

	event.ID = uuid.New()
	event.Sequence = int64(len(f.events[event.SessionID])) + 1
	event.CreatedAt = time.Now()
	f.events[event.SessionID] = append(f.events[event.SessionID], *event)
	return nil
}

func (f *fakeEventStore) ListBySession(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]models.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.StreamEvent
	for _, event := range f.events[sessionID] {
		if event.Sequence > afterSequence {
			out = append(out, event)
		}
	}
	return out, nil
}

func publishKind(t *testing.T, hub *Hub, sessionID, kind string) models.StreamEvent {
	t.Helper()
	event := models.StreamEvent{SessionID: sessionID, EventType: kind}
	require.NoError(t, hub.Publish(context.Background(), &event))
	return event
}

func TestHub_DeliversInOrder(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	defer hub.Unsubscribe(sub)

	kinds := []string{
		models.StreamEventConnectionEstablished,
		models.StreamEventThinking,
		models.StreamEventToolCall,
		models.StreamEventToolResult,
		models.StreamEventToken,
	}
	for _, kind := range kinds {
		publishKind(t, hub, "session-1", kind)
	}

	for i, kind := range kinds {
		select {
		case got := <-sub.C:
			assert.Equal(t, kind, got.EventType)
			assert.Equal(t, int64(i+1), got.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestHub_DurableWithoutSubscriber(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	// nobody is watching; events must still land in the log
	publishKind(t, hub, "session-1", models.StreamEventThinking)
	publishKind(t, hub, "session-1", models.StreamEventFinal)

	history, err := hub.Replay(context.Background(), "session-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StreamEventThinking, history[0].EventType)
	assert.Equal(t, models.StreamEventFinal, history[1].EventType)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 1)

	sub := hub.Subscribe("session-1")
	defer hub.Unsubscribe(sub)

	// the subscriber drains nothing; only the first delivery fits its buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			publishKind(t, hub, "session-1", models.StreamEventToken)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// every event is durable regardless of the drops
	history, err := hub.Replay(context.Background(), "session-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Len(t, sub.C, 1)
}

func TestHub_TerminalEventClosesSubscribers(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	publishKind(t, hub, "session-1", models.StreamEventFinal)

	got, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, models.StreamEventFinal, got.EventType)

	_, ok = <-sub.C
	assert.False(t, ok, "channel should be closed after the terminal event")
	assert.Equal(t, 0, hub.SubscriberCount("session-1"))
}

func TestHub_ErrorEventIsTerminal(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	publishKind(t, hub, "session-1", models.StreamEventError)

	<-sub.C
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestHub_ExecutionScopedErrorKeepsSessionOpen(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	defer hub.Unsubscribe(sub)

	// a failed tool call reports an error for one execution; the session
	// itself keeps streaming
	event := models.StreamEvent{
		SessionID: "session-1",
		EventType: models.StreamEventError,
		Payload: database.NewJSONB(map[string]any{
			"execution_id": uuid.New().String(),
			"message":      "rate limited by provider, retry after 30s",
		}),
	}
	require.NoError(t, hub.Publish(context.Background(), &event))
	publishKind(t, hub, "session-1", models.StreamEventToken)

	got := <-sub.C
	assert.Equal(t, models.StreamEventError, got.EventType)
	got = <-sub.C
	assert.Equal(t, models.StreamEventToken, got.EventType)
	assert.Equal(t, 1, hub.SubscriberCount("session-1"))
}

func TestHub_FailedDurableWriteDeliversNothing(t *testing.T) {
	store := newFakeEventStore()
	store.fail = errors.New("db down")
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	defer hub.Unsubscribe(sub)

	event := models.StreamEvent{SessionID: "session-1", EventType: models.StreamEventToken}
	err := hub.Publish(context.Background(), &event)
	require.Error(t, err)
	assert.Len(t, sub.C, 0)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	sub := hub.Subscribe("session-1")
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount("session-1"))
}

func TestHub_SessionsAreIsolated(t *testing.T) {
	store := newFakeEventStore()
	hub := NewHub(store, getTestLogger(), 16)

	subA := hub.Subscribe("session-a")
	subB := hub.Subscribe("session-b")
	defer hub.Unsubscribe(subA)
	defer hub.Unsubscribe(subB)

	publishKind(t, hub, "session-a", models.StreamEventToken)

	assert.Len(t, subA.C, 1)
	assert.Len(t, subB.C, 0)
}
