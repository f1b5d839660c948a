// Package webhook delivers signed event notifications to registered
// subscriber endpoints. Delivery is asynchronous and best-effort: a dead
// subscriber never fails the audit that produced the event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

// Event names delivered to subscribers.
const (
	EventAuditCompleted = "audit.completed"
	EventAuditFailed    = "audit.failed"
	EventAlertFired     = "alert.fired"
	EventAlertResolved  = "alert.resolved"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// and prefixed with "sha256=". Subscribers verify it with their endpoint
// secret before trusting the payload.
const SignatureHeader = "X-Sitescore-Signature"

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// payload is the JSON body posted to subscriber endpoints.
type payload struct {
	ID        uuid.UUID `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher fans events out to the active endpoints subscribed to them.
type Dispatcher struct {
	store       store.Store
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithMaxAttempts sets how many times one delivery is tried.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithBackoff sets the base and cap for the retry delay. The delay doubles
// per attempt up to the cap.
func WithBackoff(base, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.backoffBase = base
		d.backoffMax = max
	}
}

// NewDispatcher creates a dispatcher that reads endpoints from and records
// deliveries to the given store.
func NewDispatcher(s store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       s,
		client:      &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch looks up the endpoints subscribed to event and delivers to each
// in the background. It never blocks on subscriber I/O and never returns a
// delivery error; failures are logged and recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, data any) {
	endpoints, err := d.store.ListWebhookEndpoints(ctx, event)
	if err != nil {
		slog.Error("webhook endpoint lookup failed", "event", event, "error", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		ID:        uuid.New(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Error("webhook payload marshal failed", "event", event, "error", err)
		return
	}

	for _, ep := range endpoints {
		d.wg.Add(1)
		go func(ep *models.WebhookEndpoint) {
			defer d.wg.Done()
			d.deliver(ep, event, body)
		}(ep)
	}
}

// Wait blocks until all in-flight deliveries finish. Used at shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver posts the body to one endpoint, retrying with capped exponential
// backoff, then records the outcome.
func (d *Dispatcher) deliver(ep *models.WebhookEndpoint, event string, body []byte) {
	var lastErr error
	attempts := 0

	for attempts < d.maxAttempts {
		attempts++
		if err := d.post(ep, body); err != nil {
			lastErr = err
			slog.Warn("webhook delivery attempt failed",
				"endpoint", ep.URL, "event", event, "attempt", attempts, "error", err)
			if attempts < d.maxAttempts {
				time.Sleep(d.backoffDelay(attempts))
			}
			continue
		}
		lastErr = nil
		break
	}

	now := time.Now().UTC()
	delivery := &models.WebhookDelivery{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		Event:      event,
		Payload:    body,
		Attempts:   attempts,
		Succeeded:  lastErr == nil,
		CreatedAt:  now,
	}
	if lastErr == nil {
		delivery.DeliveredAt = &now
		slog.Info("webhook delivered", "endpoint", ep.URL, "event", event, "attempts", attempts)
	} else {
		msg := lastErr.Error()
		delivery.LastError = &msg
		slog.Error("webhook delivery failed permanently",
			"endpoint", ep.URL, "event", event, "attempts", attempts, "error", lastErr)
	}

	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RecordWebhookDelivery(recordCtx, delivery); err != nil {
		slog.Error("webhook delivery record failed", "endpoint", ep.URL, "error", err)
	}
}

func (d *Dispatcher) post(ep *models.WebhookEndpoint, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(ep.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber answered status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.backoffBase << (attempt - 1)
	if delay > d.backoffMax || delay <= 0 {
		delay = d.backoffMax
	}
	return delay
}

// Sign computes the signature header value for a payload body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body under secret.
// Comparison is constant time.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}
