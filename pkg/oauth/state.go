package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// stateRepository is the storage surface the state manager needs. Satisfied
// by repositories.OAuthStateRepository.
type stateRepository interface {
	Create(ctx context.Context, state *models.OAuthState) error
	Consume(ctx context.Context, stateValue string) (*models.OAuthState, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// StateManager mints and consumes single-use authorization state tokens. It
// never sees token material; its only job is replay safety.
type StateManager struct {
	repo      stateRepository
	logger    ectologger.Logger
	ttl       time.Duration
	retention time.Duration
}

// NewStateManager creates a new state manager
func NewStateManager(repo stateRepository, logger ectologger.Logger, ttl, retention time.Duration) *StateManager {
	return &StateManager{
		repo:      repo,
		logger:    logger,
		ttl:       ttl,
		retention: retention,
	}
}

// IssueState mints a random single-use state bound to the tenant in ctx and
// persists it with an expiry.
func (m *StateManager) IssueState(ctx context.Context, integrationType, integrationName, clientID string, scopes []string, redirectURI string) (*models.OAuthState, error) {
	ctx, span := tracing.StartSpan(ctx, "StateManager.IssueState")
	defer span.End()

	value, err := randomStateValue()
	if err != nil {
		return nil, err
	}

	state := &models.OAuthState{
		IntegrationType: integrationType,
		IntegrationName: integrationName,
		ClientID:        clientID,
		StateValue:      value,
		Scopes:          database.NewJSONB(scopes),
		RedirectURI:     redirectURI,
		ExpiresAt:       time.Now().Add(m.ttl),
	}

	if err := m.repo.Create(ctx, state); err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"state_id":         state.ID,
		"integration_type": integrationType,
	}).Debug("Issued oauth state")
	return state, nil
}

// ValidateAndConsume atomically consumes a state. Exactly one caller wins
// under concurrent callbacks.
func (m *StateManager) ValidateAndConsume(ctx context.Context, stateValue string) (*models.OAuthState, error) {
	ctx, span := tracing.StartSpan(ctx, "StateManager.ValidateAndConsume")
	defer span.End()

	state, err := m.repo.Consume(ctx, stateValue)
	switch {
	case err == nil:
		metrics.OAuthStateConsumptions.WithLabelValues("consumed").Inc()
		return state, nil
	case errors.Is(err, ErrStateNotFound):
		metrics.OAuthStateConsumptions.WithLabelValues("not_found").Inc()
	case errors.Is(err, ErrStateExpired):
		metrics.OAuthStateConsumptions.WithLabelValues("expired").Inc()
	case errors.Is(err, ErrStateAlreadyUsed):
		metrics.OAuthStateConsumptions.WithLabelValues("already_used").Inc()
		m.logger.WithContext(ctx).Warn("oauth state replay detected")
	default:
		metrics.OAuthStateConsumptions.WithLabelValues("error").Inc()
	}
	return nil, err
}

// PurgeExpired deletes expired unused states past the retention window
func (m *StateManager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.repo.PurgeExpired(ctx, m.retention)
}

func randomStateValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate state value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
