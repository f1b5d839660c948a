package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule is a recurring job definition. It has a stable ID so callers can
// pause, resume, or remove it idempotently.
type Schedule struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	CronSpec string    `json:"cron_spec"`
	Queue    string    `json:"queue"`
	Paused   bool      `json:"paused"`
}

// Scheduler enqueues jobs on a cron-style cadence. Each tick is an ordinary
// enqueue; the queue's own policies (priority, retry, timeout) apply.
type Scheduler struct {
	manager *Manager
	parser  cron.Parser

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[uuid.UUID]*scheduleEntry
}

type scheduleEntry struct {
	def     Schedule
	payload []byte
	opts    []EnqueueOption
	entryID cron.EntryID
}

// NewScheduler creates a scheduler bound to the manager's queues.
func NewScheduler(m *Manager) *Scheduler {
	return &Scheduler{
		manager: m,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cron:    cron.New(),
		entries: make(map[uuid.UUID]*scheduleEntry),
	}
}

// Schedule registers a recurring definition and returns its stable ID.
// The cron spec uses the standard five-field form.
func (s *Scheduler) Schedule(name, cronSpec, queueName string, payload []byte, opts ...EnqueueOption) (uuid.UUID, error) {
	if _, err := s.parser.Parse(cronSpec); err != nil {
		return uuid.Nil, fmt.Errorf("invalid cron spec %q: %w", cronSpec, err)
	}

	e := &scheduleEntry{
		def: Schedule{
			ID:       uuid.New(),
			Name:     name,
			CronSpec: cronSpec,
			Queue:    queueName,
		},
		payload: payload,
		opts:    opts,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.attach(e); err != nil {
		return uuid.Nil, err
	}
	s.entries[e.def.ID] = e
	slog.Info("recurring job scheduled", "name", name, "cron", cronSpec, "queue", queueName, "schedule_id", e.def.ID)
	return e.def.ID, nil
}

// Pause stops future ticks for the schedule. Pausing a paused or unknown
// schedule is a no-op.
func (s *Scheduler) Pause(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.def.Paused {
		return nil
	}
	s.cron.Remove(e.entryID)
	e.def.Paused = true
	return nil
}

// Resume re-enables a paused schedule. Resuming a running or unknown
// schedule is a no-op.
func (s *Scheduler) Resume(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.def.Paused {
		return nil
	}
	if err := s.attach(e); err != nil {
		return err
	}
	e.def.Paused = false
	return nil
}

// Remove deletes the schedule. Removing an unknown ID is a no-op.
func (s *Scheduler) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if !e.def.Paused {
		s.cron.Remove(e.entryID)
	}
	delete(s.entries, id)
}

// Schedules lists all definitions.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.def)
	}
	return out
}

// Start begins firing ticks; Stop halts them.
func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// attach wires a cron entry for e. Caller holds s.mu.
func (s *Scheduler) attach(e *scheduleEntry) error {
	sched, err := s.parser.Parse(e.def.CronSpec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", e.def.CronSpec, err)
	}
	e.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.manager.Enqueue(context.Background(), e.def.Queue, e.payload, e.opts...); err != nil {
			slog.Error("recurring enqueue failed", "name", e.def.Name, "queue", e.def.Queue, "error", err)
		}
	}))
	return nil
}
