package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const oauthStatesTable = "oauth_states"

var oauthStateStruct = database.NewStruct(new(models.OAuthState))

var (
	// ErrStateNotFound is returned when no row matches the state value
	ErrStateNotFound = errors.New("oauth state not found")
	// ErrStateExpired is returned when the state exists but its TTL has passed
	ErrStateExpired = errors.New("oauth state expired")
	// ErrStateAlreadyUsed is returned when the state was already consumed
	ErrStateAlreadyUsed = errors.New("oauth state already used")
)

// OAuthStateRepository handles database operations for single-use OAuth
// state tokens.
type OAuthStateRepository struct {
	*Repository
}

// NewOAuthStateRepository creates a new OAuth state repository
func NewOAuthStateRepository(db database.DB, logger ectologger.Logger) *OAuthStateRepository {
	return &OAuthStateRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create persists a freshly minted state token
func (r *OAuthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	ctx, span := tracing.StartSpan(ctx, "OAuthStateRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	state.TenantID = tenantID

	if state.ID == uuid.Nil {
		state.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(oauthStatesTable).
		Cols("id", "tenant_id", "integration_type", "integration_name", "client_id",
			"state_value", "scopes", "redirect_uri", "used", "expires_at").
		Values(state.ID, state.TenantID, state.IntegrationType, state.IntegrationName,
			state.ClientID, state.StateValue, state.Scopes, state.RedirectURI, false, state.ExpiresAt).
		Returning("created_at")

	query, args := ib.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&state.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create oauth state")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create oauth state")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"state_id":         state.ID,
		"integration_type": state.IntegrationType,
	}).Debug("Created oauth state")
	return nil
}

// Consume atomically marks the state used if and only if it is unused and
// unexpired, and returns the consumed row. The conditional UPDATE makes
// concurrent callbacks race safely: exactly one wins, the rest get
// ErrStateAlreadyUsed. Not tenant-scoped because provider redirects carry no
// session; the returned row identifies the tenant.
func (r *OAuthStateRepository) Consume(ctx context.Context, stateValue string) (*models.OAuthState, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthStateRepository.Consume")
	defer span.End()

	query := `
		UPDATE oauth_states
		SET used = TRUE, used_at = NOW()
		WHERE state_value = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING id, tenant_id, integration_type, integration_name, client_id,
			state_value, scopes, redirect_uri, used, used_at, expires_at, created_at`

	var state models.OAuthState
	err := r.DB().GetContext(ctx, &state, query, stateValue)
	if err == nil {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"state_id": state.ID,
		}).Debug("Consumed oauth state")
		return &state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithError(err).Error("failed to consume oauth state")
		return nil, err
	}

	// The conditional update matched nothing; look the row up to report why.
	sb := oauthStateStruct.SelectFrom(oauthStatesTable)
	sb.Where(sb.Equal("state_value", stateValue))

	lookupQuery, args := sb.Build()
	var existing models.OAuthState
	err = r.DB().GetContext(ctx, &existing, lookupQuery, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to look up oauth state")
		return nil, err
	}

	if existing.Used {
		return nil, ErrStateAlreadyUsed
	}
	return nil, ErrStateExpired
}

// GetByID retrieves a state by ID (tenant-scoped)
func (r *OAuthStateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.OAuthState, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthStateRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := oauthStateStruct.SelectFrom(oauthStatesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var state models.OAuthState
	err = r.DB().GetContext(ctx, &state, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "oauth state %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get oauth state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get oauth state")
	}

	return &state, nil
}

// PurgeExpired deletes expired, never-used states older than the retention
// window. Consumed states are kept for audit.
func (r *OAuthStateRepository) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthStateRepository.PurgeExpired")
	defer span.End()

	cutoff := time.Now().Add(-retention)

	db := database.NewDeleteBuilder()
	db.DeleteFrom(oauthStatesTable).
		Where(db.Equal("used", false), db.LessThan("expires_at", cutoff))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to purge expired oauth states")
		return 0, err
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		r.logger.WithContext(ctx).Infof("Purged %d expired oauth states", rows)
	}
	return rows, nil
}

// DeleteByTenantID deletes all states for a tenant (for testing cleanup)
func (r *OAuthStateRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthStateRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(oauthStatesTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
