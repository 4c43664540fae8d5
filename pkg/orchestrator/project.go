package orchestrator

import (
	"sync"
	"time"

	"agentflow/pkg/agents"
	"agentflow/pkg/scrum"
	"agentflow/pkg/storage"
	"agentflow/pkg/tdd"
	"agentflow/pkg/utils"
)

// Project is one managed project: its state machines, storage handle,
// active tasks, and approval queue membership. All mutation happens
// under mu; agent invocations never hold it.
type Project struct {
	mu sync.Mutex

	Name   string
	Path   string
	Policy string

	Scrum   *scrum.FSM
	TDD     *tdd.FSM
	Storage *storage.ProjectStorage

	ActiveTasks      []*agents.Task
	PendingApprovals []string
}

// snapshotLocked builds the durable snapshot. Caller holds mu.
func (p *Project) snapshotLocked() *storage.ProjectSnapshot {
	tasks := make([]storage.TaskSnapshot, 0, len(p.ActiveTasks))
	for _, t := range p.ActiveTasks {
		tasks = append(tasks, storage.TaskSnapshot{
			ID:         t.ID,
			AgentType:  t.AgentType,
			Command:    t.Command,
			Context:    t.Context,
			Status:     string(t.Status),
			RetryCount: t.RetryCount,
		})
	}
	return &storage.ProjectSnapshot{
		Name:             p.Name,
		Path:             p.Path,
		Orchestration:    p.Policy,
		CurrentState:     p.Scrum.Current().String(),
		ActiveTasks:      tasks,
		PendingApprovals: append([]string{}, p.PendingApprovals...),
	}
}

// persistLocked writes the snapshot. Caller holds mu.
func (p *Project) persistLocked() error {
	return p.Storage.SaveSnapshot(p.snapshotLocked())
}

// persist takes the lock and writes the snapshot.
func (p *Project) persist() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistLocked()
}

// restore applies a loaded snapshot to the in-memory project.
func (p *Project) restore(snap *storage.ProjectSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.CurrentState != "" {
		p.Scrum.ForceState(scrum.State(snap.CurrentState))
	}
	p.ActiveTasks = p.ActiveTasks[:0]
	for i := range snap.ActiveTasks {
		ts := &snap.ActiveTasks[i]
		p.ActiveTasks = append(p.ActiveTasks, &agents.Task{
			ID:         ts.ID,
			AgentType:  ts.AgentType,
			Command:    ts.Command,
			Context:    ts.Context,
			Status:     agents.TaskStatus(ts.Status),
			RetryCount: ts.RetryCount,
		})
	}
	p.PendingApprovals = append([]string{}, snap.PendingApprovals...)
}

// ApprovalRequest is a persisted record a human operator must consume
// before a gated task proceeds.
type ApprovalRequest struct {
	ID          string       `json:"id"`
	ProjectName string       `json:"project_name"`
	Task        *agents.Task `json:"task"`
	Reason      string       `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
	RetryCount  int          `json:"retry_count"`
}

// newApprovalRequest wraps a task for the approval queue. The request
// id doubles as the queue key; for plain policy gating it reuses the
// task id so /approve item_ids line up with task ids.
func newApprovalRequest(projectName string, task *agents.Task, reason string, reuseTaskID bool) *ApprovalRequest {
	id := task.ID
	if !reuseTaskID {
		id = utils.NewID("approval")
	}
	return &ApprovalRequest{
		ID:          id,
		ProjectName: projectName,
		Task:        task,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
		RetryCount:  task.RetryCount,
	}
}
