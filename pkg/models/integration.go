package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// Integration auth kinds
const (
	AuthKindOAuth2 = "oauth2"
	AuthKindAPIKey = "api_key"
	AuthKindNone   = "none"
)

// Integration represents a connected third-party account. Credentials are
// stored encrypted; the ciphertext and key id are never serialized to JSON.
type Integration struct {
	ID                   uuid.UUID                `db:"id" json:"id"`
	TenantID             uuid.UUID                `db:"tenant_id" json:"tenant_id"`
	Name                 string                   `db:"name" json:"name"`
	Type                 string                   `db:"type" json:"type"`
	AuthKind             string                   `db:"auth_kind" json:"auth_kind"`
	BaseURL              *string                  `db:"base_url" json:"base_url,omitempty"`
	Scopes               database.JSONB[[]string] `db:"scopes" json:"scopes"`
	CredentialCiphertext string                   `db:"credential_ciphertext" json:"-"`
	KeyID                string                   `db:"key_id" json:"-"`
	TokenExpiresAt       *time.Time               `db:"token_expires_at" json:"token_expires_at,omitempty"`
	CreatedAt            time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time                `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Integration) TableName() string {
	return "integrations"
}
