package repositories_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

func TestStreamEventRepository_AppendAndReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamEventRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	sessionID := "session-" + uuid.New().String()

	for _, eventType := range []string{
		models.StreamEventThinking,
		models.StreamEventToolCall,
		models.StreamEventToolResult,
	} {
		event := &models.StreamEvent{
			SessionID: sessionID,
			EventType: eventType,
			Payload:   database.NewJSONB(map[string]any{"kind": eventType}),
		}
		require.NoError(t, repo.Create(ctx, event))
	}

	events, err := repo.ListBySession(ctx, sessionID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Sequence)
	}

	tail, err := repo.ListBySession(ctx, sessionID, 2, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, models.StreamEventToolResult, tail[0].EventType)
}

// Concurrent tool calls publish into the same session; every durable write
// must land even when publishers race on the next sequence number.
func TestStreamEventRepository_ConcurrentPublishers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamEventRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	sessionID := "session-" + uuid.New().String()

	const publishers = 10

	var wg sync.WaitGroup
	errs := make([]error, publishers)
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Create(ctx, &models.StreamEvent{
				SessionID: sessionID,
				EventType: models.StreamEventToolCall,
				Payload:   database.NewJSONB(map[string]any{"publisher": i}),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "publisher %d lost its durable write", i)
	}

	events, err := repo.ListBySession(ctx, sessionID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, publishers)

	seen := make(map[int64]bool)
	for _, event := range events {
		assert.False(t, seen[event.Sequence], "duplicate sequence %d", event.Sequence)
		seen[event.Sequence] = true
	}
	assert.Len(t, seen, publishers)
}
