package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankready/sitescore/internal/analyzer"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/crawl"
	"github.com/rankready/sitescore/internal/queue"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// memStore is an in-memory store.Store for pipeline tests.
type memStore struct {
	store.Store

	mu      sync.Mutex
	audits  map[uuid.UUID]*models.Audit
	results map[uuid.UUID]*models.AuditResult // by audit ID
}

func newMemStore() *memStore {
	return &memStore{
		audits:  make(map[uuid.UUID]*models.Audit),
		results: make(map[uuid.UUID]*models.AuditResult),
	}
}

func (s *memStore) CreateAudit(_ context.Context, a *models.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.audits[a.ID] = &cp
	return nil
}

func (s *memStore) GetAudit(_ context.Context, id uuid.UUID) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) UpdateAuditStatus(_ context.Context, id uuid.UUID, status string, opts ...store.AuditUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()

	var u store.AuditUpdate
	for _, opt := range opts {
		opt(&u)
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = u.ErrorMessage
	}
	if u.StartedAt != nil {
		a.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		a.CompletedAt = u.CompletedAt
	}
	return nil
}

func (s *memStore) CreateAuditResult(_ context.Context, r *models.AuditResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.results[r.AuditID]; dup {
		return store.ErrDuplicateKey
	}
	cp := *r
	s.results[r.AuditID] = &cp
	return nil
}

func (s *memStore) GetAuditResultByAuditID(_ context.Context, auditID uuid.UUID) (*models.AuditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[auditID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetLatestResultByURL(_ context.Context, url string) (*models.AuditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.AuditResult
	for _, r := range s.results {
		if r.URL == url && (latest == nil || r.ComputedAt.After(latest.ComputedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) auditStatus(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		return a.Status
	}
	return ""
}

func (s *memStore) auditError(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok && a.ErrorMessage != nil {
		return *a.ErrorMessage
	}
	return ""
}

// recordedEvent is one captured publish or dispatch.
type recordedEvent struct {
	auditID uuid.UUID
	kind    string
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(auditID uuid.UUID, eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{auditID: auditID, kind: eventType})
}

func (r *recorder) Dispatch(_ context.Context, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: event})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func (r *recorder) saw(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func pipelineConfigs() []queue.Config {
	fast := queue.FixedBackoff(5 * time.Millisecond)
	return []queue.Config{
		{Name: queue.QueueCrawl, Concurrency: 2, MaxAttempts: 2, Backoff: fast, JobTimeout: 10 * time.Second},
		{Name: queue.QueueAnalysis, Concurrency: 2, MaxAttempts: 2, Backoff: fast, JobTimeout: 10 * time.Second},
		{Name: queue.QueueNotification, Concurrency: 1, MaxAttempts: 2, Backoff: fast, JobTimeout: 10 * time.Second},
	}
}

func startPipeline(t *testing.T, st store.Store, opts ...Option) (*Service, cache.Cache) {
	t.Helper()
	c := cache.NewMemoryCache()
	mgr := queue.NewManager(pipelineConfigs(), c)

	svc := NewService(st, c, mgr, crawl.NewHTTPFetcher(crawl.WithTimeout(5*time.Second)),
		analyzer.DefaultRegistry(), opts...)
	require.NoError(t, svc.RegisterHandlers())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		mgr.Shutdown(shutdownCtx) //nolint:errcheck
	})
	return svc, c
}

func goodPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head>
			<title>A perfectly reasonable page title here</title>
			<meta name="description" content="A description long enough to satisfy the recommended length for search snippets shown.">
		</head><body><h1>Welcome</h1></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit_RejectsInvalidURL(t *testing.T) {
	svc, _ := startPipeline(t, newMemStore())

	_, err := svc.Submit(context.Background(), "not a url", SubmitOptions{})
	assert.ErrorIs(t, err, crawl.ErrInvalidURL)

	_, err = svc.Submit(context.Background(), "ftp://example.com", SubmitOptions{})
	assert.ErrorIs(t, err, crawl.ErrInvalidURL)
}

func TestPipeline_EndToEnd(t *testing.T) {
	srv := goodPageServer(t)
	st := newMemStore()
	events := &recorder{}
	svc, c := startPipeline(t, st, WithPublisher(events), WithNotifier(events))
	ctx := context.Background()

	audit, err := svc.Submit(ctx, srv.URL, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusPending, audit.Status)

	require.Eventually(t, func() bool {
		return st.auditStatus(audit.ID) == models.AuditStatusCompleted
	}, waitFor, tick, "audit never completed; status=%s error=%s",
		st.auditStatus(audit.ID), st.auditError(audit.ID))

	got, result, err := svc.Get(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusCompleted, got.Status)
	require.NotNil(t, result)
	assert.InDelta(t, 100.0, result.OverallScore, 0.001, "a clean page scores perfectly")
	assert.NotEmpty(t, result.Categories)
	assert.NotEmpty(t, result.Factors)

	// The result is cached under both keys.
	for _, key := range []string{cache.ResultKey(srv.URL), cache.ResultKeyByAudit(audit.ID)} {
		ok, err := c.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "expected cached result at %s", key)
	}

	assert.True(t, events.saw("audit_progress"))
	assert.True(t, events.saw("audit_complete"))
	require.Eventually(t, func() bool {
		return events.saw("audit.completed")
	}, waitFor, tick, "webhook notification never dispatched")
}

func TestPipeline_UnreachableSiteFailsAudit(t *testing.T) {
	st := newMemStore()
	events := &recorder{}
	svc, _ := startPipeline(t, st, WithPublisher(events), WithNotifier(events))
	ctx := context.Background()

	// TEST-NET-1: guaranteed unroutable.
	audit, err := svc.Submit(ctx, "http://192.0.2.1:9/", SubmitOptions{})
	require.NoError(t, err, "submission succeeds; the failure is asynchronous")

	require.Eventually(t, func() bool {
		return st.auditStatus(audit.ID) == models.AuditStatusFailed
	}, 30*time.Second, 50*time.Millisecond)

	assert.Contains(t, st.auditError(audit.ID), "crawl")
	assert.True(t, events.saw("audit_error"))
	require.Eventually(t, func() bool {
		return events.saw("audit.failed")
	}, waitFor, tick)

	got, result, err := svc.Get(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusFailed, got.Status)
	assert.Nil(t, result, "failed audits have no result")
}

func TestGet_MissingAudit(t *testing.T) {
	svc, _ := startPipeline(t, newMemStore())
	_, _, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGet_RewarmsCacheFromStore(t *testing.T) {
	srv := goodPageServer(t)
	st := newMemStore()
	svc, c := startPipeline(t, st)
	ctx := context.Background()

	audit, err := svc.Submit(ctx, srv.URL, SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.auditStatus(audit.ID) == models.AuditStatusCompleted
	}, waitFor, tick)

	// Evict and read again: the store answer re-warms the cache.
	_, err = c.DeletePattern(ctx, "result:*")
	require.NoError(t, err)

	_, result, err := svc.Get(ctx, audit.ID)
	require.NoError(t, err)
	require.NotNil(t, result)

	ok, err := c.Exists(ctx, cache.ResultKeyByAudit(audit.ID))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLatestResultForURL(t *testing.T) {
	srv := goodPageServer(t)
	st := newMemStore()
	svc, _ := startPipeline(t, st)
	ctx := context.Background()

	audit, err := svc.Submit(ctx, srv.URL, SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.auditStatus(audit.ID) == models.AuditStatusCompleted
	}, waitFor, tick)

	result, err := svc.LatestResultForURL(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, audit.ID, result.AuditID)

	_, err = svc.LatestResultForURL(ctx, "https://never-audited.example")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_ForceDropsCachedResult(t *testing.T) {
	srv := goodPageServer(t)
	st := newMemStore()
	svc, c := startPipeline(t, st)
	ctx := context.Background()

	first, err := svc.Submit(ctx, srv.URL, SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.auditStatus(first.ID) == models.AuditStatusCompleted
	}, waitFor, tick)

	ok, err := c.Exists(ctx, cache.ResultKey(srv.URL))
	require.NoError(t, err)
	require.True(t, ok)

	// A forced re-audit evicts the URL-keyed result immediately.
	second, err := svc.Submit(ctx, srv.URL, SubmitOptions{Force: true})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		return st.auditStatus(second.ID) == models.AuditStatusCompleted
	}, waitFor, tick)
}
