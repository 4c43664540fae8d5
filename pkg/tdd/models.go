// Package tdd implements the per-story TDD cycle: its data model and
// the state machine driving DESIGN through COMMIT.
package tdd

import (
	"time"

	"agentflow/pkg/utils"
)

// State is a TDD cycle state.
type State string

const (
	StateDesign    State = "design"
	StateTestRed   State = "test_red"
	StateCodeGreen State = "code_green"
	StateRefactor  State = "refactor"
	StateCommit    State = "commit"
)

// String returns the state label. It doubles as a story's test_status.
func (s State) String() string { return string(s) }

// canonicalPath is the happy-path ordering of TDD states.
//
//nolint:gochecknoglobals // static ordering
var canonicalPath = []State{StateDesign, StateTestRed, StateCodeGreen, StateRefactor, StateCommit}

// nextOnPath returns the state following s on the canonical path, or ""
// when s is terminal.
func nextOnPath(s State) State {
	for i, state := range canonicalPath {
		if state == s && i+1 < len(canonicalPath) {
			return canonicalPath[i+1]
		}
	}
	return ""
}

// TaskStatus is the lifecycle status of a task within a cycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
)

// Task is one unit of work inside a TDD cycle.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	TestFiles   []string   `json:"test_files,omitempty"`
	SourceFiles []string   `json:"source_files,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a generated id.
func NewTask(description string) *Task {
	return &Task{
		ID:          utils.NewID("task"),
		Description: description,
		Status:      TaskPending,
	}
}

// Cycle is one DESIGN→…→COMMIT loop attached to a story.
type Cycle struct {
	ID            string  `json:"id"`
	StoryID       string  `json:"story_id"`
	CurrentState  State   `json:"current_state"`
	Tasks         []*Task `json:"tasks"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`

	TotalTestRuns       int     `json:"total_test_runs"`
	TotalRefactors      int     `json:"total_refactors"`
	TotalCommits        int     `json:"total_commits"`
	OverallTestCoverage float64 `json:"overall_test_coverage"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewCycle creates a cycle for the given story in the DESIGN state.
func NewCycle(storyID string) *Cycle {
	return &Cycle{
		ID:           utils.NewID("cycle"),
		StoryID:      storyID,
		CurrentState: StateDesign,
		StartedAt:    time.Now().UTC(),
	}
}

// IsComplete reports whether the cycle has reached its terminal state.
func (c *Cycle) IsComplete() bool {
	return c.CurrentState == StateCommit && c.CompletedAt != nil
}

// AddTask appends a pending task to the cycle.
func (c *Cycle) AddTask(t *Task) {
	c.Tasks = append(c.Tasks, t)
}

// StartTask marks the given task active and current.
func (c *Cycle) StartTask(taskID string) bool {
	for _, t := range c.Tasks {
		if t.ID == taskID {
			t.Status = TaskActive
			c.CurrentTaskID = taskID
			return true
		}
	}
	return false
}

// CurrentTask returns the active task, or nil.
func (c *Cycle) CurrentTask() *Task {
	if c.CurrentTaskID == "" {
		return nil
	}
	for _, t := range c.Tasks {
		if t.ID == c.CurrentTaskID {
			return t
		}
	}
	return nil
}

// CompleteCurrentTask marks the active task completed and promotes the
// next pending task, if any. Returns true when another task became
// current.
func (c *Cycle) CompleteCurrentTask() bool {
	if t := c.CurrentTask(); t != nil {
		now := time.Now().UTC()
		t.Status = TaskCompleted
		t.CompletedAt = &now
	}
	c.CurrentTaskID = ""
	for _, t := range c.Tasks {
		if t.Status == TaskPending {
			t.Status = TaskActive
			c.CurrentTaskID = t.ID
			return true
		}
	}
	return false
}

// MarkComplete finalizes the cycle at COMMIT.
func (c *Cycle) MarkComplete() {
	now := time.Now().UTC()
	c.CurrentState = StateCommit
	c.CompletedAt = &now
}

// ProgressSummary returns the cycle's reporting snapshot.
func (c *Cycle) ProgressSummary() map[string]any {
	completed := 0
	for _, t := range c.Tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	summary := map[string]any{
		"cycle_id":        c.ID,
		"story_id":        c.StoryID,
		"current_state":   c.CurrentState.String(),
		"total_tasks":     len(c.Tasks),
		"completed_tasks": completed,
		"total_test_runs": c.TotalTestRuns,
		"total_refactors": c.TotalRefactors,
		"total_commits":   c.TotalCommits,
		"test_coverage":   c.OverallTestCoverage,
		"started_at":      c.StartedAt,
	}
	if c.CompletedAt != nil {
		summary["completed_at"] = *c.CompletedAt
	}
	return summary
}
