package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/pkg/models"
)

// alertStore captures persisted alert state changes.
type alertStore struct {
	store.Store

	mu       sync.Mutex
	created  []*models.Alert
	resolved []uuid.UUID
}

func (s *alertStore) CreateAlert(_ context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.created = append(s.created, &cp)
	return nil
}

func (s *alertStore) ResolveAlert(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, id)
	return nil
}

func (s *alertStore) createdAlerts() []*models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Alert(nil), s.created...)
}

func (s *alertStore) resolvedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.resolved...)
}

// recordingNotifier captures dispatched alert events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Dispatch(_ context.Context, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// valueSource is a SourceFunc backed by a settable value.
type valueSource struct {
	mu     sync.Mutex
	metric string
	value  float64
}

func (v *valueSource) set(f float64) {
	v.mu.Lock()
	v.value = f
	v.mu.Unlock()
}

func (v *valueSource) read(_ context.Context) map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return map[string]float64{v.metric: v.value}
}

func depthThreshold() []Threshold {
	return []Threshold{{
		Name:     "queue depth high",
		Metric:   "queue_depth",
		Warning:  100,
		Critical: 500,
	}}
}

func newTestMonitor(t *testing.T, thresholds []Threshold) (*Monitor, *alertStore, *recordingNotifier, *valueSource) {
	t.Helper()
	st := &alertStore{}
	notifier := &recordingNotifier{}
	src := &valueSource{metric: thresholds[0].Metric}
	m := New(st, thresholds,
		WithNotifier(notifier),
		WithCollectors(NewCollectors(prometheus.NewRegistry())))
	m.AddSource(src.read)
	return m, st, notifier, src
}

func TestMonitor_FiresWarningOnBreach(t *testing.T) {
	m, st, notifier, src := newTestMonitor(t, depthThreshold())
	ctx := context.Background()

	src.set(50)
	m.Tick(ctx)
	assert.Empty(t, m.Active(), "below the warning threshold nothing fires")

	src.set(150)
	m.Tick(ctx)

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertSeverityWarning, active[0].Severity)
	assert.Equal(t, 150.0, active[0].CurrentValue)
	assert.Equal(t, 100.0, active[0].Threshold)

	created := st.createdAlerts()
	require.Len(t, created, 1)
	assert.Equal(t, "queue depth high", created[0].Name)
	assert.Equal(t, []string{"alert.fired"}, notifier.seen())
}

func TestMonitor_DeduplicatesWhileFiring(t *testing.T) {
	m, st, _, src := newTestMonitor(t, depthThreshold())
	ctx := context.Background()

	src.set(200)
	m.Tick(ctx)
	m.Tick(ctx)
	m.Tick(ctx)

	assert.Len(t, m.Active(), 1)
	assert.Len(t, st.createdAlerts(), 1, "a persisting breach fires once")
}

func TestMonitor_EscalatesWarningToCritical(t *testing.T) {
	m, st, notifier, src := newTestMonitor(t, depthThreshold())
	ctx := context.Background()

	src.set(200)
	m.Tick(ctx)
	src.set(600)
	m.Tick(ctx)

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertSeverityCritical, active[0].Severity)
	assert.Equal(t, 500.0, active[0].Threshold)

	created := st.createdAlerts()
	require.Len(t, created, 2)
	assert.Len(t, st.resolvedIDs(), 1, "the warning alert is resolved on escalation")
	assert.Equal(t, []string{"alert.fired", "alert.resolved", "alert.fired"}, notifier.seen())
}

func TestMonitor_ResolvesWhenConditionClears(t *testing.T) {
	m, st, notifier, src := newTestMonitor(t, depthThreshold())
	ctx := context.Background()

	src.set(200)
	m.Tick(ctx)
	fired := st.createdAlerts()
	require.Len(t, fired, 1)

	src.set(10)
	m.Tick(ctx)

	assert.Empty(t, m.Active())
	resolved := st.resolvedIDs()
	require.Len(t, resolved, 1)
	assert.Equal(t, fired[0].ID, resolved[0])
	assert.Equal(t, []string{"alert.fired", "alert.resolved"}, notifier.seen())
}

func TestMonitor_LowerIsWorse(t *testing.T) {
	thresholds := []Threshold{{
		Name:         "cache hit rate low",
		Metric:       "cache_hit_rate",
		Warning:      0.8,
		Critical:     0.5,
		LowerIsWorse: true,
	}}
	m, _, _, src := newTestMonitor(t, thresholds)
	ctx := context.Background()

	src.set(0.95)
	m.Tick(ctx)
	assert.Empty(t, m.Active())

	src.set(0.7)
	m.Tick(ctx)
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertSeverityWarning, active[0].Severity)

	src.set(0.3)
	m.Tick(ctx)
	active = m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertSeverityCritical, active[0].Severity)
}

func TestMonitor_MissingMetricNeverAlerts(t *testing.T) {
	st := &alertStore{}
	m := New(st, depthThreshold(),
		WithCollectors(NewCollectors(prometheus.NewRegistry())))
	m.AddSource(func(context.Context) map[string]float64 {
		return map[string]float64{"unrelated": 9999}
	})

	m.Tick(context.Background())
	assert.Empty(t, m.Active())
	assert.Empty(t, st.createdAlerts())
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	m, _, _, src := newTestMonitor(t, depthThreshold())
	ctx := context.Background()

	src.set(1)
	for i := 0; i < maxHistoryLen+25; i++ {
		m.Tick(ctx)
	}

	history := m.History()
	assert.Len(t, history, maxHistoryLen)
	assert.True(t, !history[0].At.After(history[len(history)-1].At), "oldest first")
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	m, _, _, src := newTestMonitor(t, depthThreshold())
	src.set(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	assert.NotEmpty(t, m.History(), "the immediate startup sample is recorded")
}
