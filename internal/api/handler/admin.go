package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rankready/sitescore/internal/api/response"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/queue"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

// CacheStatsSource exposes the cache counters the admin API reports.
type CacheStatsSource interface {
	Stats() cache.Stats
	ResetStats()
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// NewCacheStatsHandler returns the handler for GET /api/v1/admin/cache/stats.
func NewCacheStatsHandler(c CacheStatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := c.Stats()
		response.JSON(w, map[string]any{
			"hits":     stats.Hits,
			"misses":   stats.Misses,
			"sets":     stats.Sets,
			"deletes":  stats.Deletes,
			"errors":   stats.Errors,
			"hit_rate": stats.HitRate(),
		})
	}
}

// NewResetCacheStatsHandler returns the handler for
// POST /api/v1/admin/cache/stats/reset.
func NewResetCacheStatsHandler(c CacheStatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.ResetStats()
		response.NoContent(w)
	}
}

// NewInvalidateCacheHandler returns the handler for
// DELETE /api/v1/admin/cache?pattern=…, dropping every key matching the
// glob pattern.
func NewInvalidateCacheHandler(c CacheStatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "pattern query parameter is required", nil)
			return
		}

		deleted, err := c.DeletePattern(r.Context(), pattern)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to invalidate cache", nil)
			return
		}
		response.JSON(w, map[string]any{"deleted": deleted})
	}
}

// QueueInspector exposes per-queue state counts.
type QueueInspector interface {
	Counts() map[string]queue.Counts
}

// NewQueuesHandler returns the handler for GET /api/v1/admin/queues.
func NewQueuesHandler(q QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, q.Counts())
	}
}

// AlertSource lists alerts for the admin API.
type AlertSource interface {
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	ListAlerts(ctx context.Context, since time.Time, limit int) ([]*models.Alert, error)
}

// NewAlertsHandler returns the handler for GET /api/v1/admin/alerts.
// With ?all=true it includes recently resolved alerts.
func NewAlertsHandler(s AlertSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			alerts []*models.Alert
			err    error
		)
		if r.URL.Query().Get("all") == "true" {
			alerts, err = s.ListAlerts(r.Context(), time.Now().Add(-24*time.Hour), 100)
		} else {
			alerts, err = s.ListActiveAlerts(r.Context())
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load alerts", nil)
			return
		}
		if alerts == nil {
			alerts = []*models.Alert{}
		}
		response.JSON(w, alerts)
	}
}

// AuditLister exposes the recent-audit listing the admin API serves.
type AuditLister interface {
	ListRecentAudits(ctx context.Context, limit int) ([]*models.Audit, error)
}

// NewRecentAuditsHandler returns the handler for GET /api/v1/admin/audits.
func NewRecentAuditsHandler(s AuditLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 500 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be between 1 and 500", nil)
				return
			}
			limit = n
		}

		audits, err := s.ListRecentAudits(r.Context(), limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list audits", nil)
			return
		}
		if audits == nil {
			audits = []*models.Audit{}
		}
		response.JSON(w, audits)
	}
}

// WebhookEndpointStore is the webhook-endpoint surface of the store.
type WebhookEndpointStore interface {
	CreateWebhookEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error
	ListWebhookEndpoints(ctx context.Context, event string) ([]*models.WebhookEndpoint, error)
}

// NewCreateWebhookHandler returns the handler for POST /api/v1/admin/webhooks.
// The signing secret appears once in the response and is never retrievable
// again.
func NewCreateWebhookHandler(s WebhookEndpointStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL    string   `json:"url"`
			Events []string `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.URL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url is required", nil)
			return
		}
		if len(req.Events) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "events must name at least one event", nil)
			return
		}

		now := time.Now().UTC()
		endpoint := &models.WebhookEndpoint{
			ID:        uuid.New(),
			URL:       req.URL,
			Secret:    "whsec_" + uuid.NewString(),
			Events:    req.Events,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateWebhookEndpoint(r.Context(), endpoint); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create webhook endpoint", nil)
			return
		}

		response.Created(w, map[string]any{
			"endpoint": endpoint,
			"secret":   endpoint.Secret,
		})
	}
}

// NewListWebhooksHandler returns the handler for GET /api/v1/admin/webhooks.
// An ?event= filter restricts the listing to endpoints subscribed to that
// event.
func NewListWebhooksHandler(s WebhookEndpointStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoints, err := s.ListWebhookEndpoints(r.Context(), r.URL.Query().Get("event"))
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list webhook endpoints", nil)
			return
		}
		if endpoints == nil {
			endpoints = []*models.WebhookEndpoint{}
		}
		response.JSON(w, endpoints)
	}
}

// KeyStore is the API-key surface of the store.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// HashKeyFunc hashes a raw API key for storage.
type HashKeyFunc func(raw string) (string, error)

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys.
// The raw key appears once in the response and is never retrievable again.
func NewCreateKeyHandler(s KeyStore, hash HashKeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.Scopes == nil {
			req.Scopes = []string{}
		}

		rawKey := "ss_" + uuid.NewString()
		keyHash, err := hash(rawKey)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   keyHash,
			KeyPrefix: rawKey[:8],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create key", nil)
			return
		}

		response.Created(w, map[string]any{
			"key":     key,
			"raw_key": rawKey,
		})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list keys", nil)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}

		if err := s.RevokeAPIKey(r.Context(), keyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to revoke key", nil)
			return
		}
		response.NoContent(w)
	}
}
