package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rankready/sitescore/internal/cache"
)

// Standard queue names. Each is an independently-configured lane; no
// ordering guarantee exists across lanes.
const (
	QueueAudit        = "audit"
	QueueAnalysis     = "analysis"
	QueueCrawl        = "crawl"
	QueueReport       = "report"
	QueueNotification = "notification"
	QueueCleanup      = "cleanup"
)

// ErrUnknownQueue is returned for operations naming an unconfigured queue.
var ErrUnknownQueue = errors.New("unknown queue")

// Manager owns the named queues and the recurring-job scheduler. It is
// explicitly constructed and injected; there is no package-level instance.
type Manager struct {
	queues    map[string]*Queue
	scheduler *Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewManager builds a manager with one queue per config entry. The mirror
// cache may be nil; job records are then not externally inspectable.
func NewManager(configs []Config, mirror cache.Cache) *Manager {
	m := &Manager{queues: make(map[string]*Queue, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = New(cfg, mirror)
	}
	m.scheduler = NewScheduler(m)
	return m
}

// RegisterHandler binds the handler for one queue. Must precede Start.
func (m *Manager) RegisterHandler(queueName string, h Handler) error {
	q, ok := m.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.SetHandler(h)
	return nil
}

// Enqueue routes a job to the named queue and returns its ID immediately.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload []byte, opts ...EnqueueOption) (uuid.UUID, error) {
	q, ok := m.queues[queueName]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return q.Enqueue(ctx, payload, opts...)
}

// Cancel cancels a job on the named queue.
func (m *Manager) Cancel(queueName string, jobID uuid.UUID) error {
	q, ok := m.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return q.Cancel(jobID)
}

// Touch resets the stall clock for an active job on the named queue.
func (m *Manager) Touch(queueName string, jobID uuid.UUID) {
	if q, ok := m.queues[queueName]; ok {
		q.Touch(jobID)
	}
}

// Job looks up a retained job record on the named queue.
func (m *Manager) Job(queueName string, jobID uuid.UUID) (Job, bool) {
	q, ok := m.queues[queueName]
	if !ok {
		return Job{}, false
	}
	return q.Job(jobID)
}

// Counts returns per-queue state totals, keyed by queue name.
func (m *Manager) Counts() map[string]Counts {
	out := make(map[string]Counts, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.Counts()
	}
	return out
}

// QueueNames lists the configured queues.
func (m *Manager) QueueNames() []string {
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Schedule registers a recurring job; see Scheduler.Schedule.
func (m *Manager) Schedule(name, cronSpec, queueName string, payload []byte, opts ...EnqueueOption) (uuid.UUID, error) {
	if _, ok := m.queues[queueName]; !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return m.scheduler.Schedule(name, cronSpec, queueName, payload, opts...)
}

// PauseSchedule, ResumeSchedule, and RemoveSchedule manage a recurring
// definition by its stable ID; all three are idempotent.
func (m *Manager) PauseSchedule(id uuid.UUID) error  { return m.scheduler.Pause(id) }
func (m *Manager) ResumeSchedule(id uuid.UUID) error { return m.scheduler.Resume(id) }
func (m *Manager) RemoveSchedule(id uuid.UUID)       { m.scheduler.Remove(id) }

// Start launches every queue's worker pool and the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	for name, q := range m.queues {
		if err := q.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start queue %s: %w", name, err)
		}
	}
	m.scheduler.Start()
	m.cancel = cancel
	m.started = true
	slog.Info("queue manager started", "queues", len(m.queues))
	return nil
}

// Shutdown stops the scheduler and drains every queue, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	m.scheduler.Stop()

	var firstErr error
	for name, q := range m.queues {
		if err := q.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown queue %s: %w", name, err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	slog.Info("queue manager stopped")
	return firstErr
}
