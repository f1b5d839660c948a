package queue

import (
	"time"

	"github.com/google/uuid"
)

// State is a job's position in its lifecycle state machine:
//
//	waiting → active → completed
//	                 → failed → delayed → waiting (retry)
//	        ← stalled ←
//
// A terminal job is exactly one of completed or failed.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateStalled   State = "stalled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of background work. A job is created on enqueue and from
// then on mutated only by the queue that owns it; handlers receive a copy.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	Queue        string     `json:"queue"`
	Payload      []byte     `json:"payload"`
	Priority     int        `json:"priority"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	State        State      `json:"state"`
	StalledCount int        `json:"stalled_count"`
	LastError    string     `json:"last_error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ReadyAt      time.Time  `json:"ready_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	// seq breaks priority ties so dispatch within a priority level is FIFO.
	seq uint64
	// canceled marks a job whose Cancel arrived while it was active; the
	// worker routes it straight to failed instead of retrying.
	canceled bool
	// epoch increments on every claim; a worker only applies its result if
	// the job was not reclaimed (and possibly re-claimed) in the meantime.
	epoch uint64
	// progressAt is the last time the owning handler reported progress;
	// the reaper uses it to detect stalls.
	progressAt time.Time
}

// BackoffFunc maps an attempt number (1-based: the attempt that just failed)
// to the delay before the next try.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns base * 2^attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// FixedBackoff returns the same delay for every attempt.
func FixedBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}
