// Package background runs asynchronous maintenance work — index
// rebuilds, cache warming, pattern discovery — on a priority-aware
// worker pool with scheduled execution and bounded history.
package background

import (
	"sync/atomic"
	"time"

	"agentflow/pkg/utils"
)

// Priority orders background tasks. Higher values preempt at task
// boundaries only.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the priority label.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Status is the lifecycle status of a background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxRetries bounds handler retries per task.
const DefaultMaxRetries = 3

// Task is one unit of asynchronous maintenance work.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Priority Priority       `json:"priority"`
	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Progress   float64 `json:"progress"`
	Result     any     `json:"result,omitempty"`
	Err        string  `json:"error,omitempty"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`

	cancelled atomic.Bool
	// seq breaks created_at ties deterministically in the priority queue.
	seq uint64
}

// newTask creates a pending task.
func newTask(taskType string, priority Priority, scheduledAt *time.Time, metadata map[string]any, seq uint64) *Task {
	return &Task{
		ID:          utils.NewID("bg"),
		Type:        taskType,
		Priority:    priority,
		Status:      StatusPending,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: scheduledAt,
		MaxRetries:  DefaultMaxRetries,
		seq:         seq,
	}
}

// IsDue reports whether the task may run at the given time.
func (t *Task) IsDue(now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// IsOverdue reports whether a scheduled task missed its slot and is
// still pending.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.ScheduledAt != nil && t.ScheduledAt.Before(now) && t.Status == StatusPending
}

// Runtime returns how long the task ran, or has been running.
func (t *Task) Runtime() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// MarkCancelled sets the cooperative cancellation flag. Long-running
// handlers poll Cancelled at checkpoints.
func (t *Task) MarkCancelled() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// IsTerminal reports whether the task reached a terminal status.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// priorityHeap orders tasks by (priority desc, created_at asc, seq asc).
type priorityHeap []*Task

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
