// Package handler holds the HTTP handlers for the public API. Handlers
// depend on narrow interfaces so tests can stand in for the real services.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rankready/sitescore/internal/api/response"
	"github.com/rankready/sitescore/internal/audit"
	"github.com/rankready/sitescore/internal/crawl"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

// AuditService is the slice of the audit pipeline the handlers call.
type AuditService interface {
	Submit(ctx context.Context, rawURL string, opts audit.SubmitOptions) (*models.Audit, error)
	Get(ctx context.Context, auditID uuid.UUID) (*models.Audit, *models.AuditResult, error)
	LatestResultForURL(ctx context.Context, rawURL string) (*models.AuditResult, error)
}

// auditView is the audit plus, when finished, its result.
type auditView struct {
	*models.Audit
	Result *models.AuditResult `json:"result,omitempty"`
}

// NewSubmitAuditHandler returns the handler for POST /api/v1/audits.
// Accepted submissions answer 202 with the audit record; clients follow
// progress by polling or over WebSocket.
func NewSubmitAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL      string `json:"url"`
			MaxDepth int    `json:"max_depth"`
			Priority int    `json:"priority"`
			Force    bool   `json:"force"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.URL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url is required", nil)
			return
		}

		a, err := svc.Submit(r.Context(), req.URL, audit.SubmitOptions{
			MaxDepth: req.MaxDepth,
			Priority: req.Priority,
			Force:    req.Force,
		})
		if err != nil {
			if errors.Is(err, crawl.ErrInvalidURL) {
				response.Error(w, http.StatusBadRequest, "INVALID_URL", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to submit audit", nil)
			return
		}

		response.Accepted(w, a)
	}
}

// NewGetAuditHandler returns the handler for GET /api/v1/audits/{auditID}.
func NewGetAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID, err := uuid.Parse(chi.URLParam(r, "auditID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "auditID must be a UUID", nil)
			return
		}

		a, result, err := svc.Get(r.Context(), auditID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Audit not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load audit", nil)
			return
		}

		response.JSON(w, auditView{Audit: a, Result: result})
	}
}

// NewLatestResultHandler returns the handler for GET /api/v1/results?url=…,
// serving the most recent completed audit result for a URL.
func NewLatestResultHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url query parameter is required", nil)
			return
		}

		result, err := svc.LatestResultForURL(r.Context(), rawURL)
		if err != nil {
			switch {
			case errors.Is(err, crawl.ErrInvalidURL):
				response.Error(w, http.StatusBadRequest, "INVALID_URL", err.Error(), nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No completed audit for this URL", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load result", nil)
			}
			return
		}

		response.JSON(w, result)
	}
}
