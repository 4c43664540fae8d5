package storage

import (
	"encoding/json"
)

// TaskSnapshot is the persisted form of an active agent task.
type TaskSnapshot struct {
	ID         string         `json:"id"`
	AgentType  string         `json:"agent_type"`
	Command    string         `json:"command"`
	Context    map[string]any `json:"context,omitempty"`
	Status     string         `json:"status"`
	RetryCount int            `json:"retry_count"`
}

// ProjectSnapshot is the durable project record written to status.json.
// Fields written by newer versions are preserved across a load/save
// round-trip via the extra map, keeping snapshots backward-compatible
// within a minor version.
type ProjectSnapshot struct {
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	Orchestration    string         `json:"orchestration"`
	CurrentState     string         `json:"current_state"`
	ActiveTasks      []TaskSnapshot `json:"active_tasks"`
	PendingApprovals []string       `json:"pending_approvals"`

	extra map[string]json.RawMessage
}

// knownSnapshotFields are the keys this version models directly.
//
//nolint:gochecknoglobals // static schema key set
var knownSnapshotFields = map[string]bool{
	"name": true, "path": true, "orchestration": true,
	"current_state": true, "active_tasks": true, "pending_approvals": true,
}

type snapshotAlias struct {
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	Orchestration    string         `json:"orchestration"`
	CurrentState     string         `json:"current_state"`
	ActiveTasks      []TaskSnapshot `json:"active_tasks"`
	PendingApprovals []string       `json:"pending_approvals"`
}

// UnmarshalJSON decodes known fields and retains unknown ones verbatim.
func (p *ProjectSnapshot) UnmarshalJSON(data []byte) error {
	var alias snapshotAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = ProjectSnapshot{
		Name:             alias.Name,
		Path:             alias.Path,
		Orchestration:    alias.Orchestration,
		CurrentState:     alias.CurrentState,
		ActiveTasks:      alias.ActiveTasks,
		PendingApprovals: alias.PendingApprovals,
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !knownSnapshotFields[k] {
			if p.extra == nil {
				p.extra = make(map[string]json.RawMessage)
			}
			p.extra[k] = v
		}
	}
	return nil
}

// MarshalJSON encodes known fields plus any preserved unknown ones.
func (p *ProjectSnapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(knownSnapshotFields)+len(p.extra))
	alias := snapshotAlias{
		Name:             p.Name,
		Path:             p.Path,
		Orchestration:    p.Orchestration,
		CurrentState:     p.CurrentState,
		ActiveTasks:      p.ActiveTasks,
		PendingApprovals: p.PendingApprovals,
	}
	base, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for k, v := range p.extra {
		out[k] = v
	}
	return json.Marshal(out)
}
