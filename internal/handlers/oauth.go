package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/oauth"
)

// OAuthHandler handles the authorization flow endpoints
type OAuthHandler struct {
	manager *oauth.Manager
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(manager *oauth.Manager) *OAuthHandler {
	return &OAuthHandler{manager: manager}
}

// AuthorizeRequest is the request body for starting an authorization flow
type AuthorizeRequest struct {
	IntegrationType string   `json:"integration_type" validate:"required"`
	IntegrationName string   `json:"integration_name,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
}

// AuthorizeResponse carries the provider URL the client should redirect to
type AuthorizeResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// RegisterRoutes registers the authenticated OAuth routes
func (h *OAuthHandler) RegisterRoutes(g *echo.Group) {
	oauthGroup := g.Group("/oauth")
	oauthGroup.POST("/authorize", h.Authorize)
}

// RegisterCallbackRoute registers the provider callback outside the
// authenticated group. The redirect arrives with no session; the state token
// is its only credential.
func (h *OAuthHandler) RegisterCallbackRoute(e *echo.Echo) {
	e.GET("/api/v1/oauth/callback", h.Callback)
}

// Authorize handles POST /oauth/authorize
func (h *OAuthHandler) Authorize(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	var req AuthorizeRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if req.IntegrationType == "" {
		return BadRequest("integration_type is required")
	}

	redirectURL, err := h.manager.BeginAuthorization(ctx, req.IntegrationType, req.IntegrationName, req.Scopes)
	if err != nil {
		return err
	}

	return SuccessResponse(c, AuthorizeResponse{RedirectURL: redirectURL})
}

// Callback handles GET /oauth/callback
func (h *OAuthHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" {
		return BadRequest("state is required")
	}
	if code == "" {
		return BadRequest("code is required")
	}

	_, integration, err := h.manager.CompleteAuthorization(ctx, state, code)
	if err != nil {
		return mapStateError(err)
	}

	return SuccessResponse(c, integration)
}

// mapStateError turns consumption failures into precise status codes so a
// replayed callback is distinguishable from a stale one.
func mapStateError(err error) error {
	switch {
	case errors.Is(err, oauth.ErrStateNotFound):
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown authorization state")
	case errors.Is(err, oauth.ErrStateExpired):
		return httperror.NewHTTPError(http.StatusGone, "authorization state has expired")
	case errors.Is(err, oauth.ErrStateAlreadyUsed):
		return httperror.NewHTTPError(http.StatusConflict, "authorization state has already been used")
	case errors.Is(err, oauth.ErrExchangeFailed):
		return httperror.NewHTTPError(http.StatusBadGateway, "provider rejected the authorization code")
	default:
		return err
	}
}
