package stream

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth when none is
// configured.
const DefaultSubscriberBuffer = 256

// eventStore is the durable log the hub writes through. Satisfied by
// repositories.StreamEventRepository.
type eventStore interface {
	Create(ctx context.Context, event *models.StreamEvent) error
	ListBySession(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]models.StreamEvent, error)
}

// Subscriber is one attached live consumer. Events arrive on C in publish
// order; C is closed when the session ends or the subscriber is detached.
type Subscriber struct {
	C chan models.StreamEvent

	sessionID string
	closed    bool
}

// Hub fans session events out to live subscribers. Every event is written to
// the durable log before any live delivery, so history survives even when
// nobody is watching. Delivery to a subscriber never blocks the producer; a
// full subscriber buffer drops that delivery and counts it.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Subscriber]struct{}

	store  eventStore
	logger ectologger.Logger
	buffer int
}

// NewHub creates a new stream hub
func NewHub(store eventStore, logger ectologger.Logger, subscriberBuffer int) *Hub {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Hub{
		sessions: make(map[string]map[*Subscriber]struct{}),
		store:    store,
		logger:   logger,
		buffer:   subscriberBuffer,
	}
}

// Publish records an event durably and then delivers it to the session's
// live subscribers. The durable write is unconditional; a failed write fails
// the publish and nothing is delivered. Terminal events close every
// subscriber after delivery.
func (h *Hub) Publish(ctx context.Context, event *models.StreamEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Hub.Publish")
	defer span.End()

	if err := h.store.Create(ctx, event); err != nil {
		return err
	}
	metrics.RecordStreamEvent(event.EventType)

	h.mu.RLock()
	subs := h.sessions[event.SessionID]
	for sub := range subs {
		select {
		case sub.C <- *event:
		default:
			metrics.RecordStreamDrop(event.EventType)
			h.logger.WithContext(ctx).WithFields(map[string]any{
				"session_id": event.SessionID,
				"event_type": event.EventType,
				"sequence":   event.Sequence,
			}).Warn("dropped live stream delivery, subscriber buffer full")
		}
	}
	h.mu.RUnlock()

	if event.IsTerminal() {
		h.CloseSession(event.SessionID)
	}
	return nil
}

// Subscribe attaches a live consumer to a session
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		C:         make(chan models.StreamEvent, h.buffer),
		sessionID: sessionID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Subscriber]struct{})
	}
	h.sessions[sessionID][sub] = struct{}{}
	metrics.StreamSubscribers.Inc()

	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// CloseSession detaches and closes every subscriber for a session
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.sessions[sessionID] {
		h.removeLocked(sub)
	}
}

// Replay returns a session's durable history after the given sequence, for
// subscribers catching up after a reconnect.
func (h *Hub) Replay(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]models.StreamEvent, error) {
	return h.store.ListBySession(ctx, sessionID, afterSequence, limit)
}

// SubscriberCount returns the number of live subscribers for a session
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}

	subs := h.sessions[sub.sessionID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.sessions, sub.sessionID)
	}

	sub.closed = true
	close(sub.C)
	metrics.StreamSubscribers.Dec()
}
