package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rankready/sitescore/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateAudit(ctx context.Context, audit *models.Audit) error
	GetAudit(ctx context.Context, id uuid.UUID) (*models.Audit, error)
	UpdateAuditStatus(ctx context.Context, id uuid.UUID, status string, opts ...AuditUpdateOption) error
	ListRecentAudits(ctx context.Context, limit int) ([]*models.Audit, error)

	CreateAuditResult(ctx context.Context, result *models.AuditResult) error
	GetAuditResultByAuditID(ctx context.Context, auditID uuid.UUID) (*models.AuditResult, error)
	GetLatestResultByURL(ctx context.Context, url string) (*models.AuditResult, error)

	CreateAlert(ctx context.Context, alert *models.Alert) error
	ResolveAlert(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	ListAlerts(ctx context.Context, since time.Time, limit int) ([]*models.Alert, error)

	CreateWebhookEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error
	ListWebhookEndpoints(ctx context.Context, event string) ([]*models.WebhookEndpoint, error)
	RecordWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// AuditUpdate collects the optional fields an UpdateAuditStatus call touches.
type AuditUpdate struct {
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

type AuditUpdateOption func(*AuditUpdate)

func WithErrorMessage(msg string) AuditUpdateOption {
	return func(p *AuditUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithStartedAt(t time.Time) AuditUpdateOption {
	return func(p *AuditUpdate) {
		p.StartedAt = &t
	}
}

func WithCompletedAt(t time.Time) AuditUpdateOption {
	return func(p *AuditUpdate) {
		p.CompletedAt = &t
	}
}
