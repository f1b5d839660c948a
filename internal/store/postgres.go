package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rankready/sitescore/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Audits ---

func (s *PostgresStore) CreateAudit(ctx context.Context, audit *models.Audit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audits (id, url, status, max_depth, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		audit.ID, audit.URL, audit.Status, audit.MaxDepth, audit.CreatedAt, audit.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAudit(ctx context.Context, id uuid.UUID) (*models.Audit, error) {
	var a models.Audit
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, status, max_depth, error_message, started_at, completed_at, created_at, updated_at
		 FROM audits WHERE id = $1`, id,
	).Scan(&a.ID, &a.URL, &a.Status, &a.MaxDepth, &a.ErrorMessage,
		&a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAuditStatus(ctx context.Context, id uuid.UUID, status string, opts ...AuditUpdateOption) error {
	var params AuditUpdate
	for _, opt := range opts {
		opt(&params)
	}

	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}
	if params.ErrorMessage != nil {
		args = append(args, *params.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if params.StartedAt != nil {
		args = append(args, *params.StartedAt)
		sets = append(sets, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if params.CompletedAt != nil {
		args = append(args, *params.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE audits SET %s WHERE id = $1`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRecentAudits(ctx context.Context, limit int) ([]*models.Audit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, status, max_depth, error_message, started_at, completed_at, created_at, updated_at
		 FROM audits ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent audits: %w", err)
	}
	defer rows.Close()

	var audits []*models.Audit
	for rows.Next() {
		var a models.Audit
		if err := rows.Scan(&a.ID, &a.URL, &a.Status, &a.MaxDepth, &a.ErrorMessage,
			&a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		audits = append(audits, &a)
	}
	return audits, rows.Err()
}

// --- Audit Results ---

func (s *PostgresStore) CreateAuditResult(ctx context.Context, result *models.AuditResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_results (id, audit_id, url, overall_score, categories, factors, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.ID, result.AuditID, result.URL, result.OverallScore,
		result.Categories, result.Factors, result.ComputedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create audit result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuditResultByAuditID(ctx context.Context, auditID uuid.UUID) (*models.AuditResult, error) {
	var r models.AuditResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, audit_id, url, overall_score, categories, factors, computed_at
		 FROM audit_results WHERE audit_id = $1`, auditID,
	).Scan(&r.ID, &r.AuditID, &r.URL, &r.OverallScore, &r.Categories, &r.Factors, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit result: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetLatestResultByURL(ctx context.Context, url string) (*models.AuditResult, error) {
	var r models.AuditResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, audit_id, url, overall_score, categories, factors, computed_at
		 FROM audit_results WHERE url = $1 ORDER BY computed_at DESC LIMIT 1`, url,
	).Scan(&r.ID, &r.AuditID, &r.URL, &r.OverallScore, &r.Categories, &r.Factors, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest result by url: %w", err)
	}
	return &r, nil
}

// --- Alerts ---

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, name, metric, severity, threshold, current_value, fired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.Name, alert.Metric, alert.Severity,
		alert.Threshold, alert.CurrentValue, alert.FiredAt)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, metric, severity, threshold, current_value, fired_at, resolved_at
		 FROM alerts WHERE resolved_at IS NULL ORDER BY fired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, since time.Time, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, metric, severity, threshold, current_value, fired_at, resolved_at
		 FROM alerts WHERE fired_at >= $1 ORDER BY fired_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.Name, &a.Metric, &a.Severity,
			&a.Threshold, &a.CurrentValue, &a.FiredAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// --- Webhooks ---

func (s *PostgresStore) CreateWebhookEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (id, url, secret, events, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		endpoint.ID, endpoint.URL, endpoint.Secret, endpoint.Events,
		endpoint.Active, endpoint.CreatedAt, endpoint.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create webhook endpoint: %w", err)
	}
	return nil
}

// ListWebhookEndpoints returns the active endpoints subscribed to the given
// event. An empty event returns all active endpoints.
func (s *PostgresStore) ListWebhookEndpoints(ctx context.Context, event string) ([]*models.WebhookEndpoint, error) {
	query := `SELECT id, url, secret, events, active, created_at, updated_at
		 FROM webhook_endpoints WHERE active`
	args := []any{}
	if event != "" {
		query += ` AND $1 = ANY(events)`
		args = append(args, event)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.WebhookEndpoint
	for rows.Next() {
		var e models.WebhookEndpoint
		if err := rows.Scan(&e.ID, &e.URL, &e.Secret, &e.Events,
			&e.Active, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, &e)
	}
	return endpoints, rows.Err()
}

func (s *PostgresStore) RecordWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, endpoint_id, event, payload, attempts, succeeded, last_error, delivered_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		delivery.ID, delivery.EndpointID, delivery.Event, delivery.Payload,
		delivery.Attempts, delivery.Succeeded, delivery.LastError,
		delivery.DeliveredAt, delivery.CreatedAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
