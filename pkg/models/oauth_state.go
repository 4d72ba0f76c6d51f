package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// OAuthState is a single-use CSRF token minted when an authorization flow
// begins. Consumed rows are kept for audit; expired unused rows are purged.
type OAuthState struct {
	ID              uuid.UUID                `db:"id" json:"id"`
	TenantID        uuid.UUID                `db:"tenant_id" json:"tenant_id"`
	IntegrationType string                   `db:"integration_type" json:"integration_type"`
	IntegrationName string                   `db:"integration_name" json:"integration_name"`
	ClientID        string                   `db:"client_id" json:"client_id"`
	StateValue      string                   `db:"state_value" json:"-"`
	Scopes          database.JSONB[[]string] `db:"scopes" json:"scopes"`
	RedirectURI     string                   `db:"redirect_uri" json:"redirect_uri"`
	Used            bool                     `db:"used" json:"used"`
	UsedAt          *time.Time               `db:"used_at" json:"used_at,omitempty"`
	ExpiresAt       time.Time                `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time                `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (OAuthState) TableName() string {
	return "oauth_states"
}
