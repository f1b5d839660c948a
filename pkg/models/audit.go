package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditStatusPending   = "pending"
	AuditStatusCrawling  = "crawling"
	AuditStatusAnalyzing = "analyzing"
	AuditStatusCompleted = "completed"
	AuditStatusFailed    = "failed"
)

// Audit tracks one audit request through its lifecycle. The API returns an
// audit_id on POST /api/v1/audits; clients either poll GET /api/v1/audits/{id}
// or subscribe over WebSocket for progress events.
type Audit struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	URL          string     `db:"url"           json:"url"`
	Status       string     `db:"status"        json:"status"`
	MaxDepth     int        `db:"max_depth"     json:"max_depth"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
