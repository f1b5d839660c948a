// Package audit orchestrates the full audit pipeline: accept a URL, crawl
// it, run the analyzers, aggregate the score, persist and cache the result,
// and publish progress along the way.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rankready/sitescore/internal/analyzer"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/crawl"
	"github.com/rankready/sitescore/internal/queue"
	"github.com/rankready/sitescore/internal/score"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/internal/webhook"
	"github.com/rankready/sitescore/pkg/models"
)

// Publisher pushes per-audit progress events to connected clients.
type Publisher interface {
	Publish(auditID uuid.UUID, eventType string, data any)
}

// Notifier delivers audit lifecycle events to webhook subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, event string, data any)
}

// Service runs audits end to end on top of the job queues.
type Service struct {
	store    store.Store
	cache    cache.Cache
	ttls     cache.TTLTable
	queues   *queue.Manager
	fetcher  crawl.Fetcher
	registry *analyzer.Registry
	hub      Publisher
	notifier Notifier
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher wires progress publishing. Without it progress events are
// silently dropped.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.hub = p }
}

// WithNotifier wires webhook notifications for completed and failed audits.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithTTLs overrides the cache TTL table.
func WithTTLs(t cache.TTLTable) Option {
	return func(s *Service) { s.ttls = t }
}

// NewService assembles the audit pipeline.
func NewService(st store.Store, c cache.Cache, q *queue.Manager, f crawl.Fetcher, r *analyzer.Registry, opts ...Option) *Service {
	s := &Service{
		store:    st,
		cache:    c,
		ttls:     cache.DefaultTTLs(),
		queues:   q,
		fetcher:  f,
		registry: r,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers attaches the pipeline stages to their queues. Must be
// called before the queue manager starts.
func (s *Service) RegisterHandlers() error {
	if err := s.queues.RegisterHandler(queue.QueueCrawl, s.handleCrawl); err != nil {
		return err
	}
	if err := s.queues.RegisterHandler(queue.QueueAnalysis, s.handleAnalysis); err != nil {
		return err
	}
	return s.queues.RegisterHandler(queue.QueueNotification, s.handleNotification)
}

// SubmitOptions tune one audit submission.
type SubmitOptions struct {
	// MaxDepth is reserved for multi-page audits; currently depth 1 only.
	MaxDepth int
	// Priority orders the audit against other queued work.
	Priority int
	// Force drops the cached result for the URL so the fresh audit is the
	// only answer clients can see.
	Force bool
}

// Submit validates the URL, records the audit, and enqueues the crawl stage.
// Validation failures surface synchronously; everything after that is
// asynchronous and reported through the audit's status.
func (s *Service) Submit(ctx context.Context, rawURL string, opts SubmitOptions) (*models.Audit, error) {
	u, err := crawl.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	if opts.Force {
		if err := s.cache.Delete(ctx, cache.ResultKey(u.String())); err != nil {
			slog.Warn("drop cached result failed", "url", u.String(), "error", err)
		}
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 1
	}
	now := time.Now().UTC()
	audit := &models.Audit{
		ID:        uuid.New(),
		URL:       u.String(),
		Status:    models.AuditStatusPending,
		MaxDepth:  maxDepth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAudit(ctx, audit); err != nil {
		return nil, fmt.Errorf("create audit: %w", err)
	}

	payload, err := json.Marshal(crawlPayload{AuditID: audit.ID, URL: audit.URL})
	if err != nil {
		return nil, fmt.Errorf("marshal crawl payload: %w", err)
	}
	if _, err := s.queues.Enqueue(ctx, queue.QueueCrawl, payload,
		queue.WithPriority(opts.Priority)); err != nil {
		return nil, fmt.Errorf("enqueue crawl: %w", err)
	}

	slog.Info("audit submitted", "audit_id", audit.ID, "url", audit.URL)
	return audit, nil
}

// Get returns the audit record and, once available, its result. The result
// is served from cache when possible and re-warmed from the store on a miss.
func (s *Service) Get(ctx context.Context, auditID uuid.UUID) (*models.Audit, *models.AuditResult, error) {
	audit, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, nil, err
	}
	if audit.Status != models.AuditStatusCompleted {
		return audit, nil, nil
	}

	result, err := s.cachedResult(ctx, cache.ResultKeyByAudit(auditID))
	if err == nil && result != nil {
		return audit, result, nil
	}

	result, err = s.store.GetAuditResultByAuditID(ctx, auditID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return audit, nil, nil
		}
		return nil, nil, err
	}
	s.cacheResult(ctx, result)
	return audit, result, nil
}

// LatestResultForURL returns the most recent completed result for a URL,
// cache first.
func (s *Service) LatestResultForURL(ctx context.Context, rawURL string) (*models.AuditResult, error) {
	u, err := crawl.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	result, err := s.cachedResult(ctx, cache.ResultKey(u.String()))
	if err == nil && result != nil {
		return result, nil
	}

	result, err = s.store.GetLatestResultByURL(ctx, u.String())
	if err != nil {
		return nil, err
	}
	s.cacheResult(ctx, result)
	return result, nil
}

// --- pipeline stages ---------------------------------------------------------

type crawlPayload struct {
	AuditID uuid.UUID `json:"audit_id"`
	URL     string    `json:"url"`
}

type analysisPayload struct {
	AuditID uuid.UUID    `json:"audit_id"`
	URL     string       `json:"url"`
	Page    *models.Page `json:"page"`
}

type notificationPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleCrawl fetches the page and hands the snapshot to the analysis stage.
func (s *Service) handleCrawl(ctx context.Context, job *queue.Job) error {
	var p crawlPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode crawl payload: %w", err)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateAuditStatus(ctx, p.AuditID, models.AuditStatusCrawling,
		store.WithStartedAt(now)); err != nil {
		return fmt.Errorf("mark crawling: %w", err)
	}
	s.publishProgress(p.AuditID, "crawling", 10)

	page, err := s.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		if lastAttempt(job) || errors.Is(err, crawl.ErrInvalidURL) {
			s.failAudit(ctx, p.AuditID, fmt.Errorf("crawl: %w", err))
		}
		return fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	s.publishProgress(p.AuditID, "crawled", 40)

	payload, err := json.Marshal(analysisPayload{AuditID: p.AuditID, URL: p.URL, Page: page})
	if err != nil {
		s.failAudit(ctx, p.AuditID, fmt.Errorf("marshal analysis payload: %w", err))
		return err
	}
	if _, err := s.queues.Enqueue(ctx, queue.QueueAnalysis, payload, queue.WithPriority(job.Priority)); err != nil {
		if lastAttempt(job) {
			s.failAudit(ctx, p.AuditID, fmt.Errorf("enqueue analysis: %w", err))
		}
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

// handleAnalysis runs the analyzers, aggregates the score, and persists the
// result.
func (s *Service) handleAnalysis(ctx context.Context, job *queue.Job) error {
	var p analysisPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode analysis payload: %w", err)
	}
	if p.Page == nil {
		err := errors.New("analysis payload missing page snapshot")
		s.failAudit(ctx, p.AuditID, err)
		return err
	}

	if err := s.store.UpdateAuditStatus(ctx, p.AuditID, models.AuditStatusAnalyzing); err != nil {
		return fmt.Errorf("mark analyzing: %w", err)
	}
	s.publishProgress(p.AuditID, "analyzing", 60)

	factors, analyzerErrs := s.registry.RunAll(ctx, p.Page)
	for _, aerr := range analyzerErrs {
		slog.Warn("analyzer skipped", "audit_id", p.AuditID, "error", aerr)
	}
	if len(factors) == 0 && len(analyzerErrs) > 0 {
		err := fmt.Errorf("all analyzers failed: %w", analyzerErrs[0])
		if lastAttempt(job) {
			s.failAudit(ctx, p.AuditID, err)
		}
		return err
	}

	aggregated := score.Aggregate(factors)
	result := &models.AuditResult{
		ID:           uuid.New(),
		AuditID:      p.AuditID,
		URL:          p.URL,
		OverallScore: aggregated.OverallScore,
		Categories:   aggregated.Categories,
		Factors:      factors,
		ComputedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAuditResult(ctx, result); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		if lastAttempt(job) {
			s.failAudit(ctx, p.AuditID, fmt.Errorf("persist result: %w", err))
		}
		return fmt.Errorf("persist result: %w", err)
	}
	s.cacheResult(ctx, result)

	now := time.Now().UTC()
	if err := s.store.UpdateAuditStatus(ctx, p.AuditID, models.AuditStatusCompleted,
		store.WithCompletedAt(now)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if s.hub != nil {
		s.hub.Publish(p.AuditID, "audit_complete", map[string]any{
			"overall_score": result.OverallScore,
			"categories":    result.Categories,
		})
	}
	s.enqueueNotification(ctx, webhook.EventAuditCompleted, result)

	slog.Info("audit completed",
		"audit_id", p.AuditID, "url", p.URL, "score", result.OverallScore)
	return nil
}

// handleNotification dispatches one webhook event. Delivery retries live in
// the dispatcher; this handler only fails on malformed payloads.
func (s *Service) handleNotification(ctx context.Context, job *queue.Job) error {
	var p notificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	if s.notifier == nil {
		return nil
	}
	var data any
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return fmt.Errorf("decode notification data: %w", err)
		}
	}
	s.notifier.Dispatch(ctx, p.Event, data)
	return nil
}

// --- helpers -----------------------------------------------------------------

// lastAttempt reports whether the running attempt is the job's final one.
func lastAttempt(job *queue.Job) bool {
	return job.AttemptsMade+1 >= job.MaxAttempts
}

func (s *Service) publishProgress(auditID uuid.UUID, stage string, pct int) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(auditID, "audit_progress", map[string]any{
		"stage":    stage,
		"progress": pct,
	})
}

// failAudit marks the audit failed and reports it to subscribers.
func (s *Service) failAudit(ctx context.Context, auditID uuid.UUID, cause error) {
	now := time.Now().UTC()
	if err := s.store.UpdateAuditStatus(ctx, auditID, models.AuditStatusFailed,
		store.WithErrorMessage(cause.Error()),
		store.WithCompletedAt(now)); err != nil {
		slog.Error("mark audit failed", "audit_id", auditID, "error", err)
	}
	if s.hub != nil {
		s.hub.Publish(auditID, "audit_error", map[string]any{"error": cause.Error()})
	}
	s.enqueueNotification(ctx, webhook.EventAuditFailed, map[string]any{
		"audit_id": auditID,
		"error":    cause.Error(),
	})
	slog.Error("audit failed", "audit_id", auditID, "error", cause)
}

// enqueueNotification queues the webhook event so subscriber I/O never runs
// inside a pipeline handler.
func (s *Service) enqueueNotification(ctx context.Context, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal notification data", "event", event, "error", err)
		return
	}
	payload, err := json.Marshal(notificationPayload{Event: event, Data: raw})
	if err != nil {
		return
	}
	if _, err := s.queues.Enqueue(ctx, queue.QueueNotification, payload); err != nil {
		slog.Error("enqueue notification", "event", event, "error", err)
	}
}

func (s *Service) cachedResult(ctx context.Context, key string) (*models.AuditResult, error) {
	data, found, err := s.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	var result models.AuditResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// cacheResult writes the result under both its URL key and its audit key.
// Cache failures are logged and ignored; the store remains authoritative.
func (s *Service) cacheResult(ctx context.Context, result *models.AuditResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	ttl := s.ttls.TTL(cache.TierLong)
	for _, key := range []string{cache.ResultKey(result.URL), cache.ResultKeyByAudit(result.AuditID)} {
		if err := s.cache.Set(ctx, key, data, ttl); err != nil {
			slog.Warn("cache result failed", "key", key, "error", err)
		}
	}
}
