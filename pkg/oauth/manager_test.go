package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/vault"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeStateRepo struct {
	mu     sync.Mutex
	states map[string]*models.OAuthState
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: make(map[string]*models.OAuthState)}
}

func (f *fakeStateRepo) Create(ctx context.Context, state *models.OAuthState) error {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state.ID = uuid.New()
	state.TenantID = tenantID
	state.CreatedAt = time.Now()
	f.states[state.StateValue] = state
	return nil
}

func (f *fakeStateRepo) Consume(ctx context.Context, stateValue string) (*models.OAuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[stateValue]
	if !ok {
		return nil, repositories.ErrStateNotFound
	}
	if state.Used {
		return nil, repositories.ErrStateAlreadyUsed
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, repositories.ErrStateExpired
	}

	now := time.Now()
	state.Used = true
	state.UsedAt = &now
	return state, nil
}

func (f *fakeStateRepo) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var purged int64
	cutoff := time.Now().Add(-retention)
	for value, state := range f.states {
		if !state.Used && state.ExpiresAt.Before(cutoff) {
			delete(f.states, value)
			purged++
		}
	}
	return purged, nil
}

type fakeIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]*models.Integration
}

func newFakeIntegrationRepo() *fakeIntegrationRepo {
	return &fakeIntegrationRepo{integrations: make(map[uuid.UUID]*models.Integration)}
}

func (f *fakeIntegrationRepo) Create(ctx context.Context, integration *models.Integration) error {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	integration.ID = uuid.New()
	integration.TenantID = tenantID
	integration.CreatedAt = time.Now()
	integration.UpdatedAt = integration.CreatedAt
	f.integrations[integration.ID] = integration
	return nil
}

func (f *fakeIntegrationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	integration, ok := f.integrations[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}
	copied := *integration
	return &copied, nil
}

func (f *fakeIntegrationRepo) GetByTypeAndName(ctx context.Context, integrationType, name string) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, integration := range f.integrations {
		if integration.Type == integrationType && integration.Name == name {
			copied := *integration
			return &copied, nil
		}
	}
	return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "integration '%s/%s' does not exist", integrationType, name)
}

func (f *fakeIntegrationRepo) UpdateCredentials(ctx context.Context, id uuid.UUID, ciphertext, keyID string, tokenExpiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	integration, ok := f.integrations[id]
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}
	integration.CredentialCiphertext = ciphertext
	integration.KeyID = keyID
	integration.TokenExpiresAt = tokenExpiresAt
	integration.UpdatedAt = time.Now()
	return nil
}

type testHarness struct {
	manager      *Manager
	states       *fakeStateRepo
	integrations *fakeIntegrationRepo
	vault        *vault.Vault
}

// newTestManager wires a manager against fakes and a provider whose
// endpoints point at the given test server.
func newTestManager(t *testing.T, tokenURL string) *testHarness {
	t.Helper()

	logger := getTestLogger()

	v, err := vault.New("test-secret", logger)
	require.NoError(t, err)

	registry := &Registry{providers: map[string]Provider{
		ProviderGithub: {
			Type:             ProviderGithub,
			AuthorizeURL:     "https://github.com/login/oauth/authorize",
			TokenURL:         tokenURL,
			ClientID:         "client-123",
			ClientSecret:     "secret-456",
			DefaultScopes:    []string{"repo", "read:user"},
			AccessTokenPath:  "access_token",
			RefreshTokenPath: "refresh_token",
			ExpiresInPath:    "expires_in",
		},
	}}

	stateRepo := newFakeStateRepo()
	integrationRepo := newFakeIntegrationRepo()
	stateManager := NewStateManager(stateRepo, logger, 10*time.Minute, 24*time.Hour)
	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)

	return &testHarness{
		manager:      NewManager(registry, stateManager, integrationRepo, v, client, logger, "http://localhost:3000"),
		states:       stateRepo,
		integrations: integrationRepo,
		vault:        v,
	}
}

func testTenantContext(tenantID uuid.UUID) context.Context {
	return appctx.SetTenantID(context.Background(), tenantID.String())
}

func tokenServer(t *testing.T, response map[string]any, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
}

func TestManager_BeginAuthorization(t *testing.T) {
	h := newTestManager(t, "http://unused")
	ctx := testTenantContext(uuid.New())

	redirectURL, err := h.manager.BeginAuthorization(ctx, ProviderGithub, "work-github", nil)
	require.NoError(t, err)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "github.com", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "http://localhost:3000/api/v1/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "repo read:user", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))

	// issued state is persisted and bound to the tenant
	state, ok := h.states.states[q.Get("state")]
	require.True(t, ok)
	assert.Equal(t, "work-github", state.IntegrationName)
	assert.False(t, state.Used)
}

func TestManager_BeginAuthorization_UnsupportedProvider(t *testing.T) {
	h := newTestManager(t, "http://unused")
	ctx := testTenantContext(uuid.New())

	_, err := h.manager.BeginAuthorization(ctx, "carrier-pigeon", "", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestManager_CompleteAuthorization(t *testing.T) {
	server := tokenServer(t, map[string]any{
		"access_token":  "access-abc",
		"refresh_token": "refresh-def",
		"expires_in":    3600,
	}, http.StatusOK)
	defer server.Close()

	h := newTestManager(t, server.URL)
	tenantID := uuid.New()
	ctx := testTenantContext(tenantID)

	redirectURL, err := h.manager.BeginAuthorization(ctx, ProviderGithub, "work-github", nil)
	require.NoError(t, err)
	stateValue := extractState(t, redirectURL)

	// the callback arrives with no session; only the state identifies the tenant
	_, integration, err := h.manager.CompleteAuthorization(context.Background(), stateValue, "code-xyz")
	require.NoError(t, err)
	assert.Equal(t, tenantID, integration.TenantID)
	assert.Equal(t, ProviderGithub, integration.Type)
	assert.Equal(t, "work-github", integration.Name)
	assert.Equal(t, models.AuthKindOAuth2, integration.AuthKind)
	require.NotNil(t, integration.TokenExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *integration.TokenExpiresAt, time.Minute)

	// tokens are stored encrypted, readable only through the vault
	assert.NotContains(t, integration.CredentialCiphertext, "access-abc")
	creds, err := h.vault.DecryptStructured(integration.CredentialCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "access-abc", creds["access_token"])
	assert.Equal(t, "refresh-def", creds["refresh_token"])

	// replaying the same callback fails: the state is single-use
	_, _, err = h.manager.CompleteAuthorization(context.Background(), stateValue, "code-xyz")
	assert.ErrorIs(t, err, ErrStateAlreadyUsed)
}

func TestManager_CompleteAuthorization_Reauthorize(t *testing.T) {
	server := tokenServer(t, map[string]any{
		"access_token": "access-v2",
		"expires_in":   3600,
	}, http.StatusOK)
	defer server.Close()

	h := newTestManager(t, server.URL)
	tenantID := uuid.New()
	ctx := testTenantContext(tenantID)

	existing := &models.Integration{
		Name:     "work-github",
		Type:     ProviderGithub,
		AuthKind: models.AuthKindOAuth2,
	}
	require.NoError(t, h.integrations.Create(ctx, existing))

	redirectURL, err := h.manager.BeginAuthorization(ctx, ProviderGithub, "work-github", nil)
	require.NoError(t, err)

	_, integration, err := h.manager.CompleteAuthorization(context.Background(), extractState(t, redirectURL), "code-xyz")
	require.NoError(t, err)

	// re-authorization overwrites credentials on the existing row
	assert.Equal(t, existing.ID, integration.ID)
	creds, err := h.vault.DecryptStructured(integration.CredentialCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "access-v2", creds["access_token"])
}

func TestManager_CompleteAuthorization_ExchangeRejected(t *testing.T) {
	server := tokenServer(t, map[string]any{"error": "bad_verification_code"}, http.StatusBadRequest)
	defer server.Close()

	h := newTestManager(t, server.URL)
	ctx := testTenantContext(uuid.New())

	redirectURL, err := h.manager.BeginAuthorization(ctx, ProviderGithub, "", nil)
	require.NoError(t, err)
	stateValue := extractState(t, redirectURL)

	_, _, err = h.manager.CompleteAuthorization(context.Background(), stateValue, "bad-code")
	assert.ErrorIs(t, err, ErrExchangeFailed)

	// the state is burned even when the exchange fails
	_, _, err = h.manager.CompleteAuthorization(context.Background(), stateValue, "bad-code")
	assert.ErrorIs(t, err, ErrStateAlreadyUsed)
}

func TestManager_CompleteAuthorization_UnknownState(t *testing.T) {
	h := newTestManager(t, "http://unused")

	_, _, err := h.manager.CompleteAuthorization(context.Background(), "never-issued", "code")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestManager_RefreshCredentials(t *testing.T) {
	server := tokenServer(t, map[string]any{
		"access_token": "access-refreshed",
		"expires_in":   7200,
	}, http.StatusOK)
	defer server.Close()

	h := newTestManager(t, server.URL)
	tenantID := uuid.New()
	ctx := testTenantContext(tenantID)

	ciphertext, err := h.vault.EncryptStructured(map[string]string{
		"access_token":  "access-old",
		"refresh_token": "refresh-original",
	})
	require.NoError(t, err)

	integration := &models.Integration{
		Name:                 "work-github",
		Type:                 ProviderGithub,
		AuthKind:             models.AuthKindOAuth2,
		CredentialCiphertext: ciphertext,
		KeyID:                h.vault.ActiveKeyID(),
	}
	require.NoError(t, h.integrations.Create(ctx, integration))

	refreshed, err := h.manager.RefreshCredentials(ctx, integration.ID)
	require.NoError(t, err)

	creds, err := h.vault.DecryptStructured(refreshed.CredentialCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", creds["access_token"])
	// the provider omitted the refresh token; the original is preserved
	assert.Equal(t, "refresh-original", creds["refresh_token"])
	require.NotNil(t, refreshed.TokenExpiresAt)
}

func TestManager_RefreshCredentials_NoRefreshToken(t *testing.T) {
	h := newTestManager(t, "http://unused")
	ctx := testTenantContext(uuid.New())

	ciphertext, err := h.vault.EncryptStructured(map[string]string{"access_token": "access-only"})
	require.NoError(t, err)

	integration := &models.Integration{
		Name:                 "work-github",
		Type:                 ProviderGithub,
		AuthKind:             models.AuthKindOAuth2,
		CredentialCiphertext: ciphertext,
	}
	require.NoError(t, h.integrations.Create(ctx, integration))

	_, err = h.manager.RefreshCredentials(ctx, integration.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestStateManager_PurgeExpired(t *testing.T) {
	logger := getTestLogger()
	repo := newFakeStateRepo()
	manager := NewStateManager(repo, logger, -48*time.Hour, 24*time.Hour)
	ctx := testTenantContext(uuid.New())

	stale, err := manager.IssueState(ctx, ProviderGithub, "github", "client-123", []string{"repo"}, "http://localhost/cb")
	require.NoError(t, err)

	purged, err := manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.NotContains(t, repo.states, stale.StateValue)
}

func extractState(t *testing.T, redirectURL string) string {
	t.Helper()
	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	require.False(t, strings.ContainsAny(state, "+/="), "state must be URL-safe")
	return state
}
