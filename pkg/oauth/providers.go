package oauth

import (
	"fmt"

	"github.com/Ramsey-B/clover/config"
)

// Provider types in the closed registry
const (
	ProviderGithub     = "github"
	ProviderSlack      = "slack"
	ProviderSalesforce = "salesforce"
	ProviderZendesk    = "zendesk"
)

// Provider describes one OAuth2 provider: its endpoints, client credentials,
// and the JMESPath expressions that locate token fields in its responses.
type Provider struct {
	Type          string
	AuthorizeURL  string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	DefaultScopes []string

	// Token response extraction paths
	AccessTokenPath  string
	RefreshTokenPath string
	ExpiresInPath    string
}

// Registry is the closed set of supported providers, built once at startup.
// Anything not registered here is rejected rather than guessed at.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds the provider registry from configured client
// credentials.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{providers: make(map[string]Provider)}

	r.register(Provider{
		Type:             ProviderGithub,
		AuthorizeURL:     "https://github.com/login/oauth/authorize",
		TokenURL:         "https://github.com/login/oauth/access_token",
		ClientID:         cfg.GithubClientID,
		ClientSecret:     cfg.GithubClientSecret,
		DefaultScopes:    []string{"repo", "read:user"},
		AccessTokenPath:  "access_token",
		RefreshTokenPath: "refresh_token",
		ExpiresInPath:    "expires_in",
	})

	r.register(Provider{
		Type:             ProviderSlack,
		AuthorizeURL:     "https://slack.com/oauth/v2/authorize",
		TokenURL:         "https://slack.com/api/oauth.v2.access",
		ClientID:         cfg.SlackClientID,
		ClientSecret:     cfg.SlackClientSecret,
		DefaultScopes:    []string{"chat:write", "channels:read"},
		AccessTokenPath:  "access_token",
		RefreshTokenPath: "refresh_token",
		ExpiresInPath:    "expires_in",
	})

	r.register(Provider{
		Type:             ProviderSalesforce,
		AuthorizeURL:     "https://login.salesforce.com/services/oauth2/authorize",
		TokenURL:         "https://login.salesforce.com/services/oauth2/token",
		ClientID:         cfg.SalesforceClientID,
		ClientSecret:     cfg.SalesforceClientSecret,
		DefaultScopes:    []string{"api", "refresh_token"},
		AccessTokenPath:  "access_token",
		RefreshTokenPath: "refresh_token",
		ExpiresInPath:    "expires_in",
	})

	r.register(Provider{
		Type:             ProviderZendesk,
		AuthorizeURL:     "https://accounts.zendesk.com/oauth/authorizations/new",
		TokenURL:         "https://accounts.zendesk.com/oauth/tokens",
		ClientID:         cfg.ZendeskClientID,
		ClientSecret:     cfg.ZendeskClientSecret,
		DefaultScopes:    []string{"read", "write"},
		AccessTokenPath:  "access_token",
		RefreshTokenPath: "refresh_token",
		ExpiresInPath:    "expires_in",
	})

	return r
}

func (r *Registry) register(p Provider) {
	r.providers[p.Type] = p
}

// Get returns the provider for a type, or ErrUnsupportedIntegration
func (r *Registry) Get(integrationType string) (Provider, error) {
	p, ok := r.providers[integrationType]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnsupportedIntegration, integrationType)
	}
	return p, nil
}

// Types returns the registered provider types
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}
