package repositories_test

import (
	"context"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "clover"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

func getTestContext(tenantID uuid.UUID) context.Context {
	ctx := context.Background()
	return appctx.SetTenantID(ctx, tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

func newTestState(ttl time.Duration) *models.OAuthState {
	return &models.OAuthState{
		IntegrationType: "github",
		IntegrationName: "github",
		ClientID:        "client-123",
		StateValue:      uuid.New().String(),
		Scopes:          database.NewJSONB([]string{"repo", "read:user"}),
		RedirectURI:     "http://localhost:3000/api/v1/oauth/callback",
		ExpiresAt:       time.Now().Add(ttl),
	}
}

func TestOAuthStateRepository_ConsumeOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewOAuthStateRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	state := newTestState(10 * time.Minute)
	require.NoError(t, repo.Create(ctx, state))
	assert.NotEqual(t, uuid.Nil, state.ID)
	assert.Equal(t, tenantID, state.TenantID)

	consumed, err := repo.Consume(ctx, state.StateValue)
	require.NoError(t, err)
	assert.Equal(t, state.ID, consumed.ID)
	assert.True(t, consumed.Used)
	require.NotNil(t, consumed.UsedAt)

	// second consumption fails with already-used
	_, err = repo.Consume(ctx, state.StateValue)
	assert.ErrorIs(t, err, repositories.ErrStateAlreadyUsed)
}

func TestOAuthStateRepository_ConsumeUnknown(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewOAuthStateRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())

	_, err := repo.Consume(ctx, "no-such-state")
	assert.ErrorIs(t, err, repositories.ErrStateNotFound)
}

func TestOAuthStateRepository_ConsumeExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewOAuthStateRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	state := newTestState(-1 * time.Minute)
	require.NoError(t, repo.Create(ctx, state))

	_, err := repo.Consume(ctx, state.StateValue)
	assert.ErrorIs(t, err, repositories.ErrStateExpired)

	// expired tokens stay unusable no matter how often they are presented
	_, err = repo.Consume(ctx, state.StateValue)
	assert.ErrorIs(t, err, repositories.ErrStateExpired)
}

// Two callbacks racing with the same state: exactly one wins.
func TestOAuthStateRepository_ConcurrentCallbacks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewOAuthStateRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	state := newTestState(10 * time.Minute)
	require.NoError(t, repo.Create(ctx, state))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = repo.Consume(ctx, state.StateValue)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, repositories.ErrStateAlreadyUsed)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent callback should consume the state")
}

func TestOAuthStateRepository_PurgeExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewOAuthStateRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	// expired beyond retention: should be purged
	stale := newTestState(-48 * time.Hour)
	require.NoError(t, repo.Create(ctx, stale))

	// fresh: should survive
	fresh := newTestState(10 * time.Minute)
	require.NoError(t, repo.Create(ctx, fresh))

	// consumed: retained for audit even after expiry
	used := newTestState(10 * time.Minute)
	require.NoError(t, repo.Create(ctx, used))
	_, err := repo.Consume(ctx, used.StateValue)
	require.NoError(t, err)

	_, err = repo.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, stale.ID)
	assertNotFound(t, err)

	_, err = repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, used.ID)
	require.NoError(t, err)
}
