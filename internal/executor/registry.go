package executor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InFlight describes one running job task.
type InFlight struct {
	TaskID    string    `json:"task_id"`
	JobID     int64     `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

type registryEntry struct {
	InFlight
	cancel context.CancelCauseFunc
}

// Registry maps running tasks to their job ids. One job id may have several
// tasks when QUEUE was sent more than once.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*registryEntry)}
}

func (r *Registry) add(info InFlight, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[info.TaskID] = &registryEntry{InFlight: info, cancel: cancel}
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// CancelJob cancels every task bound to jobID with cause and returns how
// many there were.
func (r *Registry) CancelJob(jobID int64, cause error) int {
	r.mu.Lock()
	var cancels []context.CancelCauseFunc
	for _, e := range r.tasks {
		if e.JobID == jobID {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}

// CancelAll cancels every task with cause.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.tasks))
	for _, e := range r.tasks {
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}

// InFlight lists running tasks, oldest first.
func (r *Registry) InFlight() []InFlight {
	r.mu.Lock()
	out := make([]InFlight, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.InFlight)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].TaskID < out[k].TaskID
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
