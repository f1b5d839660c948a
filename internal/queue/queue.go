package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rankready/sitescore/internal/cache"
)

// Sentinel errors for queue operations.
var (
	ErrQueueClosed = errors.New("queue closed")
	ErrNoHandler   = errors.New("no handler registered")
	ErrJobNotFound = errors.New("job not found")
)

// Handler executes one job. A nil return completes the job; an error return
// consumes one attempt and schedules a retry with backoff, or fails the job
// permanently once attempts are exhausted. The context is cancelled on job
// timeout and cooperative cancellation; handlers must watch it.
type Handler func(ctx context.Context, job *Job) error

// Config is the per-queue policy table.
type Config struct {
	Name            string
	Concurrency     int
	MaxAttempts     int
	Backoff         BackoffFunc
	StalledInterval time.Duration
	MaxStalledCount int
	JobTimeout      time.Duration
	Retention       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff(time.Second, 5*time.Minute)
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Counts is a point-in-time snapshot of per-state job counts.
// Maintained incrementally so reads are O(1).
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is one named lane of jobs with its own worker pool, retry policy,
// and priority ordering. Jobs are held in memory and mirrored into the
// shared cache best-effort for cross-process inspection.
type Queue struct {
	cfg     Config
	handler Handler
	mirror  cache.Cache

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	ready   jobHeap
	delayed jobHeap
	active  map[uuid.UUID]context.CancelFunc
	counts  Counts
	nextSeq uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue with the given policy. The mirror cache may be nil.
func New(cfg Config, mirror cache.Cache) *Queue {
	return &Queue{
		cfg:     cfg.withDefaults(),
		mirror:  mirror,
		jobs:    make(map[uuid.UUID]*Job),
		ready:   jobHeap{less: byPriority},
		delayed: jobHeap{less: byReadyAt},
		active:  make(map[uuid.UUID]context.CancelFunc),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.cfg.Name }

// SetHandler registers the handler invoked for every job.
// Must be called before Start.
func (q *Queue) SetHandler(h Handler) { q.handler = h }

// EnqueueOption customises one enqueue call.
type EnqueueOption func(*Job)

// WithPriority sets the job priority; higher runs first.
func WithPriority(p int) EnqueueOption {
	return func(j *Job) { j.Priority = p }
}

// WithDelay makes the job eligible only after d has elapsed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.ReadyAt = j.EnqueuedAt.Add(d) }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithJobID pins the job ID. Re-enqueueing an ID that is still in flight is
// a no-op returning the existing ID, so producers can enqueue idempotently.
func WithJobID(id uuid.UUID) EnqueueOption {
	return func(j *Job) { j.ID = id }
}

// Enqueue adds a job and returns its ID immediately; it never blocks on
// execution.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts ...EnqueueOption) (uuid.UUID, error) {
	now := time.Now()
	job := &Job{
		ID:          uuid.New(),
		Queue:       q.cfg.Name,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
		State:       StateWaiting,
		EnqueuedAt:  now,
		ReadyAt:     now,
	}
	for _, opt := range opts {
		opt(job)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uuid.Nil, ErrQueueClosed
	}
	if existing, ok := q.jobs[job.ID]; ok && !existing.State.Terminal() {
		id := existing.ID
		q.mu.Unlock()
		return id, nil
	}

	q.nextSeq++
	job.seq = q.nextSeq
	q.jobs[job.ID] = job
	q.push(job)
	snapshot := *job
	q.mu.Unlock()

	q.mirrorJob(ctx, &snapshot)
	q.wake()
	return job.ID, nil
}

// Cancel removes a not-yet-active job, or signals cooperative cancellation
// to the handler of an active one. Cancelled jobs terminate as failed.
func (q *Queue) Cancel(jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}

	switch job.State {
	case StateWaiting, StateDelayed:
		q.removeQueued(job)
		q.finish(job, StateFailed, "canceled before execution")
		snapshot := *job
		q.mu.Unlock()
		q.mirrorJob(context.Background(), &snapshot)
		return nil
	case StateActive:
		job.canceled = true
		cancel := q.active[jobID]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		q.mu.Unlock()
		return nil
	}
}

// Touch records handler progress for a job, resetting its stall clock.
func (q *Queue) Touch(jobID uuid.UUID) {
	q.mu.Lock()
	if job, ok := q.jobs[jobID]; ok && job.State == StateActive {
		job.progressAt = time.Now()
	}
	q.mu.Unlock()
}

// Job returns a copy of the job record, if still retained.
func (q *Queue) Job(jobID uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[jobID]; ok {
		return *job, true
	}
	return Job{}, false
}

// Counts returns the current per-state totals.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts
}

// Start launches the worker pool and the stall reaper. It returns
// immediately; workers run until ctx is cancelled or Shutdown is called.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("queue %q: %w", q.cfg.Name, ErrNoHandler)
	}
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.reaper(ctx)
	return nil
}

// Shutdown stops intake and claiming, then waits for in-flight handlers to
// return, or for ctx to expire. In-flight jobs keep their own timeouts.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	if !alreadyClosed {
		close(q.done)
	}

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- workers ----------------------------------------------------------------

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, wait := q.claim()
		if job != nil {
			q.run(job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.notify:
		case <-time.After(wait):
		}
	}
}

// claim pops the highest-priority ready job, moving it to active. When no
// job is eligible it returns how long to wait before re-checking.
func (q *Queue) claim() (*Job, time.Duration) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, time.Second
	}
	q.promoteDelayed(now)

	if q.ready.Len() == 0 {
		wait := time.Second
		if q.delayed.Len() > 0 {
			if until := time.Until(q.delayed.jobs[0].ReadyAt); until < wait {
				wait = until
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return nil, wait
	}

	job := heap.Pop(&q.ready).(*Job)
	q.counts.Waiting--
	job.State = StateActive
	job.epoch++
	started := now
	job.StartedAt = &started
	job.progressAt = now
	q.counts.Active++
	return job, 0
}

// run executes the handler for one claimed job and applies the outcome.
// The job context derives from Background so a server shutdown drains
// in-flight work instead of aborting it; timeout and Cancel still apply.
func (q *Queue) run(job *Job) {
	jobCtx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	defer cancel()

	q.mu.Lock()
	q.active[job.ID] = cancel
	epoch := job.epoch
	snapshot := *job
	q.mu.Unlock()
	q.mirrorJob(jobCtx, &snapshot)

	err := q.invoke(jobCtx, &snapshot)
	if err == nil && jobCtx.Err() != nil {
		err = jobCtx.Err()
	}

	q.mu.Lock()
	if job.epoch != epoch || job.State != StateActive {
		// The reaper reclaimed this job while the handler ran; the reclaim
		// already decided its fate and this result is stale.
		q.mu.Unlock()
		return
	}
	delete(q.active, job.ID)
	q.counts.Active--

	switch {
	case job.canceled:
		// Cancel's contract is terminal failure, not a retry with the
		// remaining attempt budget.
		q.finish(job, StateFailed, "canceled")
	case err == nil:
		q.finish(job, StateCompleted, "")
	default:
		job.AttemptsMade++
		if job.AttemptsMade >= job.MaxAttempts {
			q.finish(job, StateFailed, err.Error())
		} else {
			q.requeueDelayed(job, q.cfg.Backoff(job.AttemptsMade), err.Error())
		}
	}
	result := *job
	q.mu.Unlock()

	q.mirrorJob(context.Background(), &result)
	q.wake()
}

// invoke runs the handler, converting panics into errors so one bad job
// never takes down a worker.
func (q *Queue) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// --- stall reclaim and retention --------------------------------------------

func (q *Queue) reaper(ctx context.Context) {
	defer q.wg.Done()
	interval := q.cfg.StalledInterval / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.reclaimStalled()
			q.sweepFinished()
		}
	}
}

// reclaimStalled re-queues active jobs whose handlers stopped reporting
// progress, up to MaxStalledCount reclaims each, then forces them to failed.
func (q *Queue) reclaimStalled() {
	now := time.Now()
	var reclaimed []Job

	q.mu.Lock()
	for id, job := range q.jobs {
		if job.State != StateActive || now.Sub(job.progressAt) <= q.cfg.StalledInterval {
			continue
		}
		if cancel := q.active[id]; cancel != nil {
			cancel()
		}
		delete(q.active, id)
		q.counts.Active--
		job.StalledCount++
		job.State = StateStalled
		reclaimed = append(reclaimed, *job)

		switch {
		case job.canceled:
			q.finish(job, StateFailed, "canceled")
		case job.StalledCount > q.cfg.MaxStalledCount:
			q.finish(job, StateFailed, "stalled too many times")
		default:
			slog.Warn("job stalled, reclaiming",
				"queue", q.cfg.Name,
				"job_id", job.ID,
				"stalled_count", job.StalledCount,
			)
			job.ReadyAt = now
			job.StartedAt = nil
			q.push(job)
		}
		reclaimed = append(reclaimed, *job)
	}
	q.mu.Unlock()

	for i := range reclaimed {
		q.mirrorJob(context.Background(), &reclaimed[i])
	}
	if len(reclaimed) > 0 {
		q.wake()
	}
}

// sweepFinished drops terminal jobs older than the retention window.
func (q *Queue) sweepFinished() {
	cutoff := time.Now().Add(-q.cfg.Retention)
	q.mu.Lock()
	for id, job := range q.jobs {
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()
}

// --- internals ---------------------------------------------------------------

// push places a job on the ready or delayed heap. Caller holds q.mu.
func (q *Queue) push(job *Job) {
	if job.ReadyAt.After(time.Now()) {
		job.State = StateDelayed
		heap.Push(&q.delayed, job)
		q.counts.Delayed++
		return
	}
	job.State = StateWaiting
	heap.Push(&q.ready, job)
	q.counts.Waiting++
}

// requeueDelayed schedules a retry after delay. Caller holds q.mu.
func (q *Queue) requeueDelayed(job *Job, delay time.Duration, lastErr string) {
	job.State = StateDelayed
	job.LastError = lastErr
	job.ReadyAt = time.Now().Add(delay)
	job.StartedAt = nil
	heap.Push(&q.delayed, job)
	q.counts.Delayed++
	slog.Info("job retry scheduled",
		"queue", q.cfg.Name,
		"job_id", job.ID,
		"attempt", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"delay", delay,
		"error", lastErr,
	)
}

// removeQueued takes a waiting or delayed job off its heap. Caller holds q.mu.
func (q *Queue) removeQueued(job *Job) {
	switch job.State {
	case StateWaiting:
		q.ready.removeByID(job.ID)
		q.counts.Waiting--
	case StateDelayed:
		q.delayed.removeByID(job.ID)
		q.counts.Delayed--
	}
}

// finish moves a job into a terminal state. Caller holds q.mu.
func (q *Queue) finish(job *Job, state State, lastErr string) {
	job.State = state
	job.LastError = lastErr
	done := time.Now()
	job.FinishedAt = &done
	if state == StateCompleted {
		q.counts.Completed++
	} else {
		q.counts.Failed++
		slog.Error("job failed permanently",
			"queue", q.cfg.Name,
			"job_id", job.ID,
			"attempts", job.AttemptsMade,
			"error", lastErr,
		)
	}
}

// promoteDelayed moves due delayed jobs onto the ready heap. Caller holds q.mu.
func (q *Queue) promoteDelayed(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed.jobs[0].ReadyAt.After(now) {
		job := heap.Pop(&q.delayed).(*Job)
		q.counts.Delayed--
		job.State = StateWaiting
		heap.Push(&q.ready, job)
		q.counts.Waiting++
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// mirrorJob writes the job record into the shared cache best-effort. A cache
// outage degrades inspection only, never queue correctness.
func (q *Queue) mirrorJob(ctx context.Context, job *Job) {
	if q.mirror == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := q.mirror.Set(ctx, cache.JobKey(job.ID), data, q.cfg.Retention); err != nil {
		slog.Debug("job mirror write failed", "queue", q.cfg.Name, "job_id", job.ID, "error", err)
	}
}
