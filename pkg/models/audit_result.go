package models

import (
	"time"

	"github.com/google/uuid"
)

// CategoryScore is the aggregated score for one factor category.
type CategoryScore struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	OK       int     `json:"ok"`
	OFI      int     `json:"ofi"`
	Priority int     `json:"priority_ofi"`
	Skipped  int     `json:"na"`
}

// AuditResult holds the aggregated output of one completed audit. Results are
// immutable; a later audit of the same URL supersedes rather than mutates.
type AuditResult struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	AuditID      uuid.UUID       `db:"audit_id"      json:"audit_id"`
	URL          string          `db:"url"           json:"url"`
	OverallScore float64         `db:"overall_score" json:"overall_score"`
	Categories   []CategoryScore `db:"categories"    json:"categories"`
	Factors      []Factor        `db:"factors"       json:"factors"`
	ComputedAt   time.Time       `db:"computed_at"   json:"computed_at"`
}
