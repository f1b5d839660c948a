package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEndpoint is a registered subscriber URL for outgoing events.
// The secret signs every delivery; it is never returned in API responses.
type WebhookEndpoint struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	URL       string    `db:"url"        json:"url"`
	Secret    string    `db:"secret"     json:"-"`
	Events    []string  `db:"events"     json:"events"`
	Active    bool      `db:"active"     json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WebhookDelivery records one delivery attempt sequence to an endpoint.
// Failed deliveries are retried with backoff; the record keeps the final
// outcome and attempt count for debugging subscriber issues.
type WebhookDelivery struct {
	ID          uuid.UUID  `db:"id"            json:"id"`
	EndpointID  uuid.UUID  `db:"endpoint_id"   json:"endpoint_id"`
	Event       string     `db:"event"         json:"event"`
	Payload     []byte     `db:"payload"       json:"-"`
	Attempts    int        `db:"attempts"      json:"attempts"`
	Succeeded   bool       `db:"succeeded"     json:"succeeded"`
	LastError   *string    `db:"last_error"    json:"last_error,omitempty"`
	DeliveredAt *time.Time `db:"delivered_at"  json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"    json:"created_at"`
}
