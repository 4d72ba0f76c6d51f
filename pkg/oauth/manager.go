package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/vault"
)

// integrationRepository is the storage surface the manager needs. Satisfied
// by repositories.IntegrationRepository.
type integrationRepository interface {
	Create(ctx context.Context, integration *models.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	GetByTypeAndName(ctx context.Context, integrationType, name string) (*models.Integration, error)
	UpdateCredentials(ctx context.Context, id uuid.UUID, ciphertext, keyID string, tokenExpiresAt *time.Time) error
}

// Manager runs the authorization code flow end to end: minting states,
// exchanging codes, and storing the resulting tokens encrypted.
type Manager struct {
	registry     *Registry
	states       *StateManager
	integrations integrationRepository
	vault        *vault.Vault
	http         *httpclient.Client
	evaluator    *expressions.Evaluator
	logger       ectologger.Logger
	callbackURL  string
}

// NewManager creates a new OAuth manager
func NewManager(
	registry *Registry,
	states *StateManager,
	integrations integrationRepository,
	v *vault.Vault,
	client *httpclient.Client,
	logger ectologger.Logger,
	callbackBaseURL string,
) *Manager {
	return &Manager{
		registry:     registry,
		states:       states,
		integrations: integrations,
		vault:        v,
		http:         client,
		evaluator:    expressions.NewEvaluator(),
		logger:       logger,
		callbackURL:  strings.TrimRight(callbackBaseURL, "/") + "/api/v1/oauth/callback",
	}
}

// BeginAuthorization issues a single-use state and returns the provider
// authorize URL the caller should redirect the user to.
func (m *Manager) BeginAuthorization(ctx context.Context, integrationType, integrationName string, scopes []string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.BeginAuthorization")
	defer span.End()

	provider, err := m.registry.Get(integrationType)
	if err != nil {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "unsupported integration type %q", integrationType)
	}

	if len(scopes) == 0 {
		scopes = provider.DefaultScopes
	}
	if integrationName == "" {
		integrationName = integrationType
	}

	state, err := m.states.IssueState(ctx, integrationType, integrationName, provider.ClientID, scopes, m.callbackURL)
	if err != nil {
		metrics.OAuthFlowsTotal.WithLabelValues(integrationType, "failed").Inc()
		return "", err
	}

	authorizeURL, err := url.Parse(provider.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize URL for %s: %w", integrationType, err)
	}

	q := authorizeURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", provider.ClientID)
	q.Set("redirect_uri", m.callbackURL)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state.StateValue)
	authorizeURL.RawQuery = q.Encode()

	metrics.OAuthFlowsTotal.WithLabelValues(integrationType, "initiated").Inc()
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_type": integrationType,
		"integration_name": integrationName,
	}).Info("oauth authorization started")

	return authorizeURL.String(), nil
}

// CompleteAuthorization handles the provider callback: consumes the state,
// exchanges the code for tokens, encrypts them, and upserts the integration.
// The provider redirect carries no session, so the tenant comes from the
// consumed state row. Returns the updated context alongside the integration
// so callers can keep operating as that tenant.
func (m *Manager) CompleteAuthorization(ctx context.Context, stateValue, code string) (context.Context, *models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.CompleteAuthorization")
	defer span.End()

	state, err := m.states.ValidateAndConsume(ctx, stateValue)
	if err != nil {
		return ctx, nil, err
	}

	ctx = appctx.SetTenantID(ctx, state.TenantID.String())

	provider, err := m.registry.Get(state.IntegrationType)
	if err != nil {
		metrics.OAuthFlowsTotal.WithLabelValues(state.IntegrationType, "failed").Inc()
		return ctx, nil, err
	}

	creds, expiresAt, err := m.exchange(ctx, provider, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {state.RedirectURI},
		"client_id":     {provider.ClientID},
		"client_secret": {provider.ClientSecret},
	})
	if err != nil {
		metrics.OAuthFlowsTotal.WithLabelValues(state.IntegrationType, "failed").Inc()
		return ctx, nil, err
	}

	ciphertext, err := m.vault.EncryptStructured(creds)
	if err != nil {
		return ctx, nil, err
	}

	integration, err := m.upsertIntegration(ctx, state, ciphertext, expiresAt)
	if err != nil {
		metrics.OAuthFlowsTotal.WithLabelValues(state.IntegrationType, "failed").Inc()
		return ctx, nil, err
	}

	metrics.OAuthFlowsTotal.WithLabelValues(state.IntegrationType, "completed").Inc()
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id":   integration.ID,
		"integration_type": integration.Type,
	}).Info("oauth authorization completed")

	return ctx, integration, nil
}

// RefreshCredentials exchanges the stored refresh token for a new access
// token and overwrites the stored ciphertext.
func (m *Manager) RefreshCredentials(ctx context.Context, integrationID uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.RefreshCredentials")
	defer span.End()

	integration, err := m.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	provider, err := m.registry.Get(integration.Type)
	if err != nil {
		return nil, err
	}

	stored, err := m.vault.DecryptStructured(integration.CredentialCiphertext)
	if err != nil {
		return nil, err
	}
	refreshToken := stored["refresh_token"]
	if refreshToken == "" {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "integration %s has no refresh token", integrationID)
	}

	creds, expiresAt, err := m.exchange(ctx, provider, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {provider.ClientID},
		"client_secret": {provider.ClientSecret},
	})
	if err != nil {
		metrics.OAuthFlowsTotal.WithLabelValues(integration.Type, "refresh_failed").Inc()
		return nil, err
	}

	// providers may omit the refresh token on refresh; keep the old one
	if creds["refresh_token"] == "" {
		creds["refresh_token"] = refreshToken
	}

	ciphertext, err := m.vault.EncryptStructured(creds)
	if err != nil {
		return nil, err
	}

	if err := m.integrations.UpdateCredentials(ctx, integration.ID, ciphertext, m.vault.ActiveKeyID(), expiresAt); err != nil {
		return nil, err
	}

	metrics.OAuthFlowsTotal.WithLabelValues(integration.Type, "refreshed").Inc()
	integration.CredentialCiphertext = ciphertext
	integration.KeyID = m.vault.ActiveKeyID()
	integration.TokenExpiresAt = expiresAt
	return integration, nil
}

// GetCredentials decrypts the stored credential bundle for an integration.
// Callers must not persist or log the result.
func (m *Manager) GetCredentials(ctx context.Context, integrationID uuid.UUID) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.GetCredentials")
	defer span.End()

	integration, err := m.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if integration.CredentialCiphertext == "" {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "integration %s has no stored credentials", integrationID)
	}

	return m.vault.DecryptStructured(integration.CredentialCiphertext)
}

// exchange posts to the provider token endpoint and extracts the token
// fields with the provider's JMESPath expressions.
func (m *Manager) exchange(ctx context.Context, provider Provider, form url.Values) (map[string]string, *time.Time, error) {
	resp, err := m.http.PostForm(ctx, provider.TokenURL, form, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"provider":    provider.Type,
			"status_code": resp.StatusCode,
		}).Warn("token endpoint rejected the exchange")
		return nil, nil, fmt.Errorf("%w: token endpoint returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var payload map[string]any
	if err := resp.JSON(&payload); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed token response: %v", ErrExchangeFailed, err)
	}

	accessToken, err := m.evaluator.EvaluateString(provider.AccessTokenPath, payload)
	if err != nil {
		return nil, nil, err
	}
	if accessToken == "" {
		return nil, nil, fmt.Errorf("%w: response contains no access token", ErrExchangeFailed)
	}

	refreshToken, err := m.evaluator.EvaluateString(provider.RefreshTokenPath, payload)
	if err != nil {
		return nil, nil, err
	}

	creds := map[string]string{
		"access_token": accessToken,
	}
	if refreshToken != "" {
		creds["refresh_token"] = refreshToken
	}

	var expiresAt *time.Time
	expiresIn, err := m.evaluator.EvaluateInt(provider.ExpiresInPath, payload)
	if err == nil && expiresIn > 0 {
		t := time.Now().Add(time.Duration(expiresIn) * time.Second)
		expiresAt = &t
	}

	return creds, expiresAt, nil
}

// upsertIntegration creates the integration on first grant, or overwrites
// the stored credentials on re-authorization.
func (m *Manager) upsertIntegration(ctx context.Context, state *models.OAuthState, ciphertext string, expiresAt *time.Time) (*models.Integration, error) {
	scopes := state.Scopes.GetValue()

	existing, err := m.integrations.GetByTypeAndName(ctx, state.IntegrationType, state.IntegrationName)
	if err == nil {
		if err := m.integrations.UpdateCredentials(ctx, existing.ID, ciphertext, m.vault.ActiveKeyID(), expiresAt); err != nil {
			return nil, err
		}
		existing.CredentialCiphertext = ciphertext
		existing.KeyID = m.vault.ActiveKeyID()
		existing.TokenExpiresAt = expiresAt
		return existing, nil
	}
	if !httperror.IsHTTPError(err) || httperror.GetStatusCode(err) != http.StatusNotFound {
		return nil, err
	}

	integration := &models.Integration{
		Name:                 state.IntegrationName,
		Type:                 state.IntegrationType,
		AuthKind:             models.AuthKindOAuth2,
		Scopes:               database.NewJSONB(scopes),
		CredentialCiphertext: ciphertext,
		KeyID:                m.vault.ActiveKeyID(),
		TokenExpiresAt:       expiresAt,
	}
	if err := m.integrations.Create(ctx, integration); err != nil {
		return nil, err
	}
	return integration, nil
}
