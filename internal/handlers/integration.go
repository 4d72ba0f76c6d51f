package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/oauth"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/vault"
)

// IntegrationHandler handles integration-related API requests
type IntegrationHandler struct {
	repo  *repositories.IntegrationRepository
	oauth *oauth.Manager
	vault *vault.Vault
}

// NewIntegrationHandler creates a new integration handler
func NewIntegrationHandler(repo *repositories.IntegrationRepository, oauthManager *oauth.Manager, v *vault.Vault) *IntegrationHandler {
	return &IntegrationHandler{
		repo:  repo,
		oauth: oauthManager,
		vault: v,
	}
}

// CreateIntegrationRequest is the request body for creating an integration.
// Credentials are accepted for api_key integrations only; OAuth integrations
// get theirs through the authorization flow.
type CreateIntegrationRequest struct {
	Name        string            `json:"name" validate:"required"`
	Type        string            `json:"type" validate:"required"`
	AuthKind    string            `json:"auth_kind,omitempty"`
	BaseURL     *string           `json:"base_url,omitempty"`
	Scopes      []string          `json:"scopes,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// UpdateIntegrationRequest is the request body for updating an integration
type UpdateIntegrationRequest struct {
	Name    *string  `json:"name,omitempty"`
	BaseURL *string  `json:"base_url,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("", h.Create)
	integrations.GET("", h.List)
	integrations.GET("/:id", h.Get)
	integrations.PUT("/:id", h.Update)
	integrations.DELETE("/:id", h.Delete)
	integrations.POST("/:id/refresh", h.RefreshCredentials)
}

// Create handles POST /integrations
func (h *IntegrationHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	var req CreateIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.Name == "" {
		return BadRequest("name is required")
	}
	if req.Type == "" {
		return BadRequest("type is required")
	}

	authKind := req.AuthKind
	if authKind == "" {
		authKind = models.AuthKindOAuth2
	}
	switch authKind {
	case models.AuthKindOAuth2, models.AuthKindAPIKey, models.AuthKindNone:
	default:
		return BadRequest("auth_kind must be one of oauth2, api_key, none")
	}

	integration := &models.Integration{
		Name:     req.Name,
		Type:     req.Type,
		AuthKind: authKind,
		BaseURL:  req.BaseURL,
		Scopes:   database.NewJSONB(req.Scopes),
	}

	if len(req.Credentials) > 0 {
		if authKind != models.AuthKindAPIKey {
			return BadRequest("credentials may only be supplied for api_key integrations")
		}
		ciphertext, err := h.vault.EncryptStructured(req.Credentials)
		if err != nil {
			return err
		}
		integration.CredentialCiphertext = ciphertext
		integration.KeyID = h.vault.ActiveKeyID()
	}

	if err := h.repo.Create(ctx, integration); err != nil {
		return err
	}

	return CreatedResponse(c, integration)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	integrations, err := h.repo.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integrations)
}

// Get handles GET /integrations/:id
func (h *IntegrationHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integration)
}

// Update handles PUT /integrations/:id
func (h *IntegrationHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	existing, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var req UpdateIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.BaseURL != nil {
		existing.BaseURL = req.BaseURL
	}
	if req.Scopes != nil {
		existing.Scopes = database.NewJSONB(req.Scopes)
	}

	if err := h.repo.Update(ctx, existing); err != nil {
		return err
	}

	return SuccessResponse(c, existing)
}

// Delete handles DELETE /integrations/:id
func (h *IntegrationHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(ctx, id); err != nil {
		return err
	}

	return NoContentResponse(c)
}

// RefreshCredentials handles POST /integrations/:id/refresh
func (h *IntegrationHandler) RefreshCredentials(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.oauth.RefreshCredentials(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integration)
}
