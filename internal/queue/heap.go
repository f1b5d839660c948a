package queue

import (
	"container/heap"

	"github.com/google/uuid"
)

// jobHeap is a container/heap over jobs with a pluggable ordering.
// The ready heap orders by priority (desc) then enqueue sequence (FIFO);
// the delayed heap orders by ready time.
type jobHeap struct {
	jobs []*Job
	less func(a, b *Job) bool
}

func byPriority(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func byReadyAt(a, b *Job) bool {
	if !a.ReadyAt.Equal(b.ReadyAt) {
		return a.ReadyAt.Before(b.ReadyAt)
	}
	return a.seq < b.seq
}

func (h *jobHeap) Len() int           { return len(h.jobs) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.jobs[i], h.jobs[j]) }
func (h *jobHeap) Swap(i, j int)      { h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i] }

func (h *jobHeap) Push(x any) {
	h.jobs = append(h.jobs, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := h.jobs
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	h.jobs = old[:n-1]
	return job
}

// removeByID drops the job with the given ID, if present. Cancellation is
// rare, so a linear scan is fine here.
func (h *jobHeap) removeByID(id uuid.UUID) bool {
	for i, job := range h.jobs {
		if job.ID == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
