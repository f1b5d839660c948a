package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/rankready/sitescore/internal/api/middleware"
	"github.com/rankready/sitescore/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	HTTPCache func(http.Handler) http.Handler

	HealthHandler http.HandlerFunc
	WSHandler     http.Handler
	Metrics       http.Handler

	SubmitAuditHandler  http.HandlerFunc
	GetAuditHandler     http.HandlerFunc
	LatestResultHandler http.HandlerFunc

	CacheStatsHandler      http.HandlerFunc
	ResetCacheStatsHandler http.HandlerFunc
	InvalidateCacheHandler http.HandlerFunc
	QueuesHandler          http.HandlerFunc
	AlertsHandler          http.HandlerFunc
	RecentAuditsHandler    http.HandlerFunc
	CreateWebhookHandler   http.HandlerFunc
	ListWebhooksHandler    http.HandlerFunc
	CreateKeyHandler       http.HandlerFunc
	ListKeysHandler        http.HandlerFunc
	RevokeKeyHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	if deps.WSHandler != nil {
		r.Handle("/api/v1/ws", deps.WSHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/audits", orNotImplemented(deps.SubmitAuditHandler))
		r.Get("/api/v1/audits/{auditID}", orNotImplemented(deps.GetAuditHandler))

		// The latest-result lookup is hot and cacheable whole.
		r.Group(func(r chi.Router) {
			if deps.HTTPCache != nil {
				r.Use(deps.HTTPCache)
			}
			r.Get("/api/v1/results", orNotImplemented(deps.LatestResultHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/admin/cache/stats", orNotImplemented(deps.CacheStatsHandler))
			r.Post("/api/v1/admin/cache/stats/reset", orNotImplemented(deps.ResetCacheStatsHandler))
			r.Delete("/api/v1/admin/cache", orNotImplemented(deps.InvalidateCacheHandler))

			r.Get("/api/v1/admin/queues", orNotImplemented(deps.QueuesHandler))
			r.Get("/api/v1/admin/alerts", orNotImplemented(deps.AlertsHandler))
			r.Get("/api/v1/admin/audits", orNotImplemented(deps.RecentAuditsHandler))

			r.Post("/api/v1/admin/webhooks", orNotImplemented(deps.CreateWebhookHandler))
			r.Get("/api/v1/admin/webhooks", orNotImplemented(deps.ListWebhooksHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
