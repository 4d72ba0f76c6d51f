package repositories_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

func TestAgentActivityRepository_CreateAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	activities := repositories.NewAgentActivityRepository(db, logger)
	integrations := repositories.NewIntegrationRepository(db, logger)

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	sessionID := "session-" + uuid.New().String()

	integration := &models.Integration{
		Name:                 "github-" + uuid.New().String(),
		Type:                 "github",
		AuthKind:             models.AuthKindOAuth2,
		Scopes:               database.NewJSONB([]string{"repo"}),
		CredentialCiphertext: "ciphertext",
		KeyID:                "key-1",
	}
	require.NoError(t, integrations.Create(ctx, integration))

	description := "looked up open issues"
	processingTime := int64(842)
	activity := &models.AgentActivity{
		SessionID:        sessionID,
		AgentID:          "agent-7",
		AgentType:        "researcher",
		ActivityType:     "tool_invocation",
		IntegrationID:    &integration.ID,
		Description:      &description,
		ProcessingTimeMs: &processingTime,
		TokensUsed:       1530,
		ToolsUsed:        3,
		Success:          false,
		Payload:          database.NewJSONB(map[string]any{"tool": "github.list_issues"}),
	}
	require.NoError(t, activities.Create(ctx, activity))
	assert.NotEqual(t, uuid.Nil, activity.ID)
	assert.False(t, activity.CreatedAt.IsZero())

	listed, err := activities.ListBySession(ctx, sessionID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	got := listed[0]
	assert.Equal(t, "agent-7", got.AgentID)
	assert.Equal(t, "researcher", got.AgentType)
	assert.Equal(t, "tool_invocation", got.ActivityType)
	require.NotNil(t, got.IntegrationID)
	assert.Equal(t, integration.ID, *got.IntegrationID)
	require.NotNil(t, got.Description)
	assert.Equal(t, description, *got.Description)
	require.NotNil(t, got.ProcessingTimeMs)
	assert.Equal(t, processingTime, *got.ProcessingTimeMs)
	assert.Equal(t, int64(1530), got.TokensUsed)
	assert.Equal(t, int64(3), got.ToolsUsed)
	assert.False(t, got.Success)
	assert.Equal(t, "github.list_issues", got.Payload.GetValue()["tool"])
}
