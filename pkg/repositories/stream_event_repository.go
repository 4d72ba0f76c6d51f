package repositories

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const streamEventsTable = "stream_events"

// maxSequenceRetries bounds the insert retries when concurrent publishers
// race on a session's next sequence number.
const maxSequenceRetries = 5

var streamEventStruct = database.NewStruct(new(models.StreamEvent))

// StreamEventRepository handles database operations for the durable
// per-session event log.
type StreamEventRepository struct {
	*Repository
}

// NewStreamEventRepository creates a new stream event repository
func NewStreamEventRepository(db database.DB, logger ectologger.Logger) *StreamEventRepository {
	return &StreamEventRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create appends an event to a session's durable log, assigning the next
// per-session sequence number. Concurrent tool calls publish into the same
// session, so two inserts can read the same MAX and collide on the unique
// (tenant_id, session_id, sequence) constraint; the loser retries with a
// fresh sequence.
func (r *StreamEventRepository) Create(ctx context.Context, event *models.StreamEvent) error {
	ctx, span := tracing.StartSpan(ctx, "StreamEventRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	event.TenantID = tenantID

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO stream_events (id, tenant_id, session_id, sequence, event_type, payload)
		VALUES ($1, $2, $3,
			COALESCE((SELECT MAX(sequence) FROM stream_events WHERE tenant_id = $2 AND session_id = $3), 0) + 1,
			$4, $5)
		RETURNING sequence, created_at`

	for attempt := 1; ; attempt++ {
		err = r.DB().QueryRowxContext(ctx, query,
			event.ID, event.TenantID, event.SessionID, event.EventType, event.Payload).
			Scan(&event.Sequence, &event.CreatedAt)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "duplicate key") && attempt < maxSequenceRetries {
			continue
		}

		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id": event.SessionID,
			"event_type": event.EventType,
			"attempts":   attempt,
		}).Error("failed to append stream event")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record stream event")
	}
}

// ListBySession returns a session's events in sequence order (tenant-scoped).
// afterSequence of 0 returns from the beginning.
func (r *StreamEventRepository) ListBySession(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]models.StreamEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamEventRepository.ListBySession")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := streamEventStruct.SelectFrom(streamEventsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("session_id", sessionID),
		sb.GreaterThan("sequence", afterSequence),
	)
	sb.OrderBy("sequence")

	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	sb.Limit(limit)

	query, args := sb.Build()
	var events []models.StreamEvent
	err = r.DB().SelectContext(ctx, &events, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id": sessionID,
		}).Error("failed to list stream events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stream events")
	}

	return events, nil
}

// DeleteByTenantID deletes all stream events for a tenant (for testing cleanup)
func (r *StreamEventRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamEventRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(streamEventsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
