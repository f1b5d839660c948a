package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// Alert records a threshold breach for a monitored metric. Alerts are keyed
// by (name, metric); they are resolved in place, never deleted, so the
// raise/resolve history survives for later inspection.
type Alert struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Name         string     `db:"name"          json:"name"`
	Metric       string     `db:"metric"        json:"metric"`
	Severity     string     `db:"severity"      json:"severity"`
	Threshold    float64    `db:"threshold"     json:"threshold"`
	CurrentValue float64    `db:"current_value" json:"current_value"`
	FiredAt      time.Time  `db:"fired_at"      json:"fired_at"`
	ResolvedAt   *time.Time `db:"resolved_at"   json:"resolved_at,omitempty"`
}
