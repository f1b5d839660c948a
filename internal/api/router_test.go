package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rankready/sitescore/internal/api"
	mw "github.com/rankready/sitescore/internal/api/middleware"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

type keyStore struct {
	store.Store
	keys []*models.APIKey
}

func (s *keyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *keyStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, string, string) {
	t.Helper()

	const (
		rawKey      = "ss_reader_key_0001"
		rawAdminKey = "ss_admin_key_00001"
	)
	makeKey := func(raw string, scopes ...string) *models.APIKey {
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
		require.NoError(t, err)
		return &models.APIKey{
			ID:        uuid.New(),
			KeyHash:   string(hash),
			KeyPrefix: raw[:8],
			Scopes:    scopes,
		}
	}
	st := &keyStore{keys: []*models.APIKey{
		makeKey(rawKey, "audits:write"),
		makeKey(rawAdminKey, "audits:write", "admin"),
	}}

	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st, cache.NewMemoryCache()),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 1000),

		HealthHandler: ok,

		SubmitAuditHandler:  ok,
		GetAuditHandler:     ok,
		LatestResultHandler: ok,

		CacheStatsHandler:   ok,
		QueuesHandler:       ok,
		AlertsHandler:       ok,
		RecentAuditsHandler: ok,
		ListWebhooksHandler: ok,
		ListKeysHandler:     ok,
	})
	return router, rawKey, rawAdminKey
}

func doRequest(router http.Handler, method, path, token string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_AuditsRequireAuth(t *testing.T) {
	router, rawKey, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/audits", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/v1/audits", rawKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ProtectedRoutesWithValidKey(t *testing.T) {
	router, rawKey, _ := newTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/audits/" + uuid.NewString()},
		{http.MethodGet, "/api/v1/results?url=https%3A%2F%2Fexample.com"},
	} {
		rec := doRequest(router, tc.method, tc.path, rawKey)
		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
	}
}

func TestRouter_AdminRequiresScope(t *testing.T) {
	router, rawKey, rawAdminKey := newTestRouter(t)

	for _, path := range []string{
		"/api/v1/admin/cache/stats",
		"/api/v1/admin/queues",
		"/api/v1/admin/alerts",
		"/api/v1/admin/audits",
		"/api/v1/admin/webhooks",
		"/api/v1/admin/keys",
	} {
		rec := doRequest(router, http.MethodGet, path, rawKey)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)

		rec = doRequest(router, http.MethodGet, path, rawAdminKey)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_UnwiredHandlerAnswers501(t *testing.T) {
	router, _, rawAdminKey := newTestRouter(t)
	rec := doRequest(router, http.MethodPost, "/api/v1/admin/keys", rawAdminKey)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRouter_InvalidKeyRejected(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/api/v1/audits/"+uuid.NewString(), "ss_keyy_but_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_RateLimitHeadersPresent(t *testing.T) {
	router, rawKey, _ := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/api/v1/audits/"+uuid.NewString(), rawKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}
