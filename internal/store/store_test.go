package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sitescore_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newTestStore(t *testing.T) store.Store {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	return store.NewPostgresStore(setupTestDB(t))
}

func newAudit(url string) *models.Audit {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Audit{
		ID:        uuid.New(),
		URL:       url,
		Status:    models.AuditStatusPending,
		MaxDepth:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- Audit Tests ---

func TestAudit_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := newAudit("https://example.com")
	require.NoError(t, s.CreateAudit(ctx, audit))

	got, err := s.GetAudit(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ID, got.ID)
	assert.Equal(t, "https://example.com", got.URL)
	assert.Equal(t, models.AuditStatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)
}

func TestAudit_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAudit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAudit_UpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := newAudit("https://example.com")
	require.NoError(t, s.CreateAudit(ctx, audit))

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateAuditStatus(ctx, audit.ID, models.AuditStatusCrawling,
		store.WithStartedAt(started)))

	got, err := s.GetAudit(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusCrawling, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)

	require.NoError(t, s.UpdateAuditStatus(ctx, audit.ID, models.AuditStatusFailed,
		store.WithErrorMessage("site unreachable"),
		store.WithCompletedAt(time.Now().UTC())))

	got, err = s.GetAudit(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "site unreachable", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestAudit_UpdateStatusMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateAuditStatus(context.Background(), uuid.New(), models.AuditStatusCompleted)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAudit_ListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateAudit(ctx, newAudit("https://example.com")))
		time.Sleep(5 * time.Millisecond)
	}

	audits, err := s.ListRecentAudits(ctx, 2)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.True(t, !audits[0].CreatedAt.Before(audits[1].CreatedAt), "newest first")
}

// --- Audit Result Tests ---

func testResult(auditID uuid.UUID, url string, score float64) *models.AuditResult {
	return &models.AuditResult{
		ID:           uuid.New(),
		AuditID:      auditID,
		URL:          url,
		OverallScore: score,
		Categories: []models.CategoryScore{
			{Category: "On-Page", Score: score, OK: 2, OFI: 1},
		},
		Factors: []models.Factor{
			{Name: "Title tag", Category: "On-Page", Status: models.StatusOK, Importance: models.ImportanceHigh},
		},
		ComputedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAuditResult_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := newAudit("https://example.com")
	require.NoError(t, s.CreateAudit(ctx, audit))

	result := testResult(audit.ID, audit.URL, 87.5)
	require.NoError(t, s.CreateAuditResult(ctx, result))

	got, err := s.GetAuditResultByAuditID(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, got.ID)
	assert.Equal(t, 87.5, got.OverallScore)
	require.Len(t, got.Categories, 1)
	assert.Equal(t, "On-Page", got.Categories[0].Category)
	require.Len(t, got.Factors, 1)
	assert.Equal(t, models.StatusOK, got.Factors[0].Status)
}

func TestAuditResult_OnePerAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := newAudit("https://example.com")
	require.NoError(t, s.CreateAudit(ctx, audit))
	require.NoError(t, s.CreateAuditResult(ctx, testResult(audit.ID, audit.URL, 50)))

	err := s.CreateAuditResult(ctx, testResult(audit.ID, audit.URL, 60))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestAuditResult_LatestByURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const url = "https://example.com"
	for i, score := range []float64{40, 70} {
		audit := newAudit(url)
		require.NoError(t, s.CreateAudit(ctx, audit))
		result := testResult(audit.ID, url, score)
		result.ComputedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateAuditResult(ctx, result))
	}

	got, err := s.GetLatestResultByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 70.0, got.OverallScore)

	_, err = s.GetLatestResultByURL(ctx, "https://never-audited.example")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Alert Tests ---

func TestAlert_RaiseAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert := &models.Alert{
		ID:           uuid.New(),
		Name:         "queue depth high",
		Metric:       "queue_depth",
		Severity:     models.AlertSeverityCritical,
		Threshold:    100,
		CurrentValue: 250,
		FiredAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateAlert(ctx, alert))

	active, err := s.ListActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "queue depth high", active[0].Name)
	assert.Nil(t, active[0].ResolvedAt)

	require.NoError(t, s.ResolveAlert(ctx, alert.ID, time.Now().UTC()))

	active, err = s.ListActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// History keeps the resolved alert.
	all, err := s.ListAlerts(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ResolvedAt)
}

func TestAlert_ResolveTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert := &models.Alert{
		ID:           uuid.New(),
		Name:         "error rate",
		Metric:       "error_rate",
		Severity:     models.AlertSeverityWarning,
		Threshold:    0.05,
		CurrentValue: 0.12,
		FiredAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateAlert(ctx, alert))
	require.NoError(t, s.ResolveAlert(ctx, alert.ID, time.Now().UTC()))

	err := s.ResolveAlert(ctx, alert.ID, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Webhook Tests ---

func TestWebhook_EndpointsFilteredByEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	completed := &models.WebhookEndpoint{
		ID: uuid.New(), URL: "https://hooks.example.com/a", Secret: "s1",
		Events: []string{"audit.completed"}, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	failed := &models.WebhookEndpoint{
		ID: uuid.New(), URL: "https://hooks.example.com/b", Secret: "s2",
		Events: []string{"audit.failed"}, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	inactive := &models.WebhookEndpoint{
		ID: uuid.New(), URL: "https://hooks.example.com/c", Secret: "s3",
		Events: []string{"audit.completed"}, Active: false,
		CreatedAt: now, UpdatedAt: now,
	}
	for _, e := range []*models.WebhookEndpoint{completed, failed, inactive} {
		require.NoError(t, s.CreateWebhookEndpoint(ctx, e))
	}

	got, err := s.ListWebhookEndpoints(ctx, "audit.completed")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, completed.ID, got[0].ID)

	all, err := s.ListWebhookEndpoints(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "inactive endpoints are excluded")
}

func TestWebhook_RecordDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	endpoint := &models.WebhookEndpoint{
		ID: uuid.New(), URL: "https://hooks.example.com/d", Secret: "s",
		Events: []string{"audit.completed"}, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateWebhookEndpoint(ctx, endpoint))

	delivered := now.Truncate(time.Millisecond)
	delivery := &models.WebhookDelivery{
		ID:          uuid.New(),
		EndpointID:  endpoint.ID,
		Event:       "audit.completed",
		Payload:     []byte(`{"score":87.5}`),
		Attempts:    2,
		Succeeded:   true,
		DeliveredAt: &delivered,
		CreatedAt:   now,
	}
	assert.NoError(t, s.RecordWebhookDelivery(ctx, delivery))
}

// --- API Key Tests ---

func TestAPIKey_CreateGetRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "ci",
		KeyHash:   "$2a$10$fakehash",
		KeyPrefix: "ss_12345678",
		Scopes:    []string{"audits:write"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "ss_12345678")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)
	assert.Equal(t, []string{"audits:write"}, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "ss_12345678")
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "ss_12345678")
	require.NoError(t, err)
	assert.Empty(t, keys, "revoked keys are not returned")

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
}

func TestAPIKey_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"one", "two"} {
		require.NoError(t, s.CreateAPIKey(ctx, &models.APIKey{
			ID: uuid.New(), Name: name, KeyHash: "h", KeyPrefix: "ss_" + name,
			Scopes: []string{}, CreatedAt: now, UpdatedAt: now,
		}))
	}

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
