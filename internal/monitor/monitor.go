// Package monitor samples operational metrics on a fixed interval, keeps a
// bounded rolling history, and raises or resolves alerts when configured
// thresholds are breached.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/internal/webhook"
	"github.com/rankready/sitescore/pkg/models"
)

const (
	defaultInterval = 30 * time.Second
	maxHistoryLen   = 240 // two hours at the default interval
)

// SourceFunc returns current values for the metrics it owns. Sources are
// merged into one sample per tick; later sources win on key collisions.
type SourceFunc func(ctx context.Context) map[string]float64

// Notifier delivers alert lifecycle events to external subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, event string, data any)
}

// Threshold configures alerting for one metric. A breach of Critical fires a
// critical alert even when Warning is also breached.
type Threshold struct {
	Name     string
	Metric   string
	Warning  float64
	Critical float64
	// LowerIsWorse inverts the comparison for metrics like hit rates, where
	// dropping below the threshold is the problem.
	LowerIsWorse bool
}

// breached returns the severity the value triggers, or "".
func (t Threshold) breached(v float64) string {
	if t.LowerIsWorse {
		switch {
		case v < t.Critical:
			return models.AlertSeverityCritical
		case v < t.Warning:
			return models.AlertSeverityWarning
		}
		return ""
	}
	switch {
	case v > t.Critical:
		return models.AlertSeverityCritical
	case v > t.Warning:
		return models.AlertSeverityWarning
	}
	return ""
}

// Sample is one tick's worth of merged metric values.
type Sample struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values"`
}

// Monitor owns the sampling loop and the active-alert state.
// It is safe for concurrent use.
type Monitor struct {
	store      store.Store
	notifier   Notifier
	collectors *Collectors
	interval   time.Duration
	thresholds []Threshold
	sources    []SourceFunc

	mu      sync.Mutex
	active  map[string]*models.Alert // key: name + ":" + metric
	history []Sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithNotifier sets the webhook notifier for alert events.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithCollectors sets the Prometheus collectors to update on each tick.
func WithCollectors(c *Collectors) Option {
	return func(m *Monitor) { m.collectors = c }
}

// New creates a monitor. A monitor with no thresholds still samples and keeps
// history; it just never alerts.
func New(s store.Store, thresholds []Threshold, opts ...Option) *Monitor {
	m := &Monitor{
		store:      s,
		interval:   defaultInterval,
		thresholds: thresholds,
		active:     make(map[string]*models.Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.collectors == nil {
		m.collectors = NewCollectors(prometheus.NewRegistry())
	}
	return m
}

// AddSource registers a metric source. Must be called before Run.
func (m *Monitor) AddSource(src SourceFunc) {
	m.sources = append(m.sources, src)
}

// Run samples on the configured interval until ctx is cancelled. One sample
// is taken immediately so startup state is visible without waiting a tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick takes one sample and evaluates all thresholds against it.
func (m *Monitor) Tick(ctx context.Context) {
	values := make(map[string]float64)
	for _, src := range m.sources {
		for k, v := range src(ctx) {
			values[k] = v
		}
	}

	for k, v := range values {
		m.collectors.SampledValue.WithLabelValues(k).Set(v)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.history = append(m.history, Sample{At: now, Values: values})
	if len(m.history) > maxHistoryLen {
		m.history = m.history[len(m.history)-maxHistoryLen:]
	}
	m.mu.Unlock()

	m.evaluate(ctx, now, values)
}

// evaluate raises alerts for newly breached thresholds and resolves alerts
// whose condition cleared. Alerts are deduplicated by (name, metric): an
// already-firing alert is not re-raised while the breach persists, but a
// severity escalation replaces the firing alert.
func (m *Monitor) evaluate(ctx context.Context, now time.Time, values map[string]float64) {
	for _, t := range m.thresholds {
		v, sampled := values[t.Metric]
		if !sampled {
			continue
		}
		key := t.Name + ":" + t.Metric
		severity := t.breached(v)

		m.mu.Lock()
		current, firing := m.active[key]
		switch {
		case severity != "" && !firing:
			m.mu.Unlock()
			m.raise(ctx, key, t, severity, v, now)
		case severity != "" && firing && current.Severity != severity:
			m.mu.Unlock()
			m.resolve(ctx, key, current, now)
			m.raise(ctx, key, t, severity, v, now)
		case severity == "" && firing:
			m.mu.Unlock()
			m.resolve(ctx, key, current, now)
		default:
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) raise(ctx context.Context, key string, t Threshold, severity string, value float64, now time.Time) {
	threshold := t.Warning
	if severity == models.AlertSeverityCritical {
		threshold = t.Critical
	}
	alert := &models.Alert{
		ID:           uuid.New(),
		Name:         t.Name,
		Metric:       t.Metric,
		Severity:     severity,
		Threshold:    threshold,
		CurrentValue: value,
		FiredAt:      now,
	}

	m.mu.Lock()
	m.active[key] = alert
	activeCount := len(m.active)
	m.mu.Unlock()

	m.collectors.AlertsFired.WithLabelValues(severity).Inc()
	m.collectors.ActiveAlerts.Set(float64(activeCount))

	slog.Warn("alert fired",
		"alert", t.Name, "metric", t.Metric,
		"severity", severity, "value", value, "threshold", threshold)

	if err := m.store.CreateAlert(ctx, alert); err != nil {
		slog.Error("persist alert failed", "alert", t.Name, "error", err)
	}
	if m.notifier != nil {
		m.notifier.Dispatch(ctx, webhook.EventAlertFired, alert)
	}
}

func (m *Monitor) resolve(ctx context.Context, key string, alert *models.Alert, now time.Time) {
	resolved := now
	alert.ResolvedAt = &resolved

	m.mu.Lock()
	delete(m.active, key)
	activeCount := len(m.active)
	m.mu.Unlock()

	m.collectors.ActiveAlerts.Set(float64(activeCount))

	slog.Info("alert resolved", "alert", alert.Name, "metric", alert.Metric)

	if err := m.store.ResolveAlert(ctx, alert.ID, resolved); err != nil {
		slog.Error("resolve alert failed", "alert", alert.Name, "error", err)
	}
	if m.notifier != nil {
		m.notifier.Dispatch(ctx, webhook.EventAlertResolved, alert)
	}
}

// Active returns copies of the currently firing alerts.
func (m *Monitor) Active() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Alert, 0, len(m.active))
	for _, a := range m.active {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// History returns the rolling sample history, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.history...)
}
