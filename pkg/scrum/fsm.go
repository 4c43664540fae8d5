// Package scrum implements the per-project Scrum lifecycle state machine.
//
// This file is the canonical definition of the Scrum states and their
// command table. Validation is pure: Validate never mutates the machine,
// and the orchestrator applies the returned state after the command body
// succeeds.
package scrum

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentflow/pkg/proto"
)

// State is a Scrum lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateBacklogReady  State = "BACKLOG_READY"
	StateSprintPlanned State = "SPRINT_PLANNED"
	StateSprintActive  State = "SPRINT_ACTIVE"
	StateSprintPaused  State = "SPRINT_PAUSED"
	StateSprintReview  State = "SPRINT_REVIEW"
	StateBlocked       State = "BLOCKED"
)

// String returns the state label.
func (s State) String() string { return string(s) }

// AllStates returns every Scrum state in deterministic order.
func AllStates() []State {
	return []State{
		StateIdle, StateBacklogReady, StateSprintPlanned, StateSprintActive,
		StateSprintPaused, StateSprintReview, StateBlocked,
	}
}

// rule describes where a command is valid and the state it leads to.
// An empty set of states means the command is valid everywhere; an
// empty next state means the command does not change state.
type rule struct {
	states map[State]bool
	next   State
}

func in(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// commandRules is the single source of truth for the Scrum command table.
// Commands absent from this table (TDD, introspection) bypass Scrum
// validation entirely.
//
//nolint:gochecknoglobals // canonical transition table
var commandRules = map[proto.CommandKind]rule{
	proto.CmdEpic:              {states: in(StateIdle, StateBacklogReady), next: StateBacklogReady},
	proto.CmdBacklogView:       {},
	proto.CmdBacklogAddStory:   {},
	proto.CmdBacklogPrioritize: {},
	proto.CmdSprintPlan:        {states: in(StateBacklogReady), next: StateSprintPlanned},
	proto.CmdSprintStart:       {states: in(StateSprintPlanned), next: StateSprintActive},
	proto.CmdSprintStatus:      {},
	proto.CmdSprintPause:       {states: in(StateSprintActive), next: StateSprintPaused},
	proto.CmdSprintResume:      {states: in(StateSprintPaused), next: StateSprintActive},
	proto.CmdApprove:           {},
	proto.CmdRequestChanges:    {states: in(StateSprintReview)},
	proto.CmdSuggestFix:        {states: in(StateBlocked)},
	proto.CmdSkipTask:          {},
	proto.CmdFeedback:          {states: in(StateSprintReview), next: StateIdle},
}

// ValidationResult is the outcome of a pure command validation.
type ValidationResult struct {
	OK       bool
	NewState State // empty when the command does not change state
	Error    string
	Hint     string
	Allowed  []string
}

// FSM is the per-project Scrum state machine.
type FSM struct {
	mu      sync.Mutex
	current State
}

// NewFSM returns a machine in the initial IDLE state.
func NewFSM() *FSM {
	return &FSM{current: StateIdle}
}

// Current returns the current state.
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// ForceState sets the state directly. Used during crash recovery and by
// the reconciler's auto-progress path.
func (f *FSM) ForceState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
}

// Validate checks whether the command is valid in the current state.
// It never mutates the machine and never returns an error value;
// failures are carried in the result.
func (f *FSM) Validate(kind proto.CommandKind) ValidationResult {
	f.mu.Lock()
	current := f.current
	f.mu.Unlock()

	r, known := commandRules[kind]
	if !known {
		return ValidationResult{
			Error:   fmt.Sprintf("command %s is not subject to scrum validation", kind),
			Allowed: allowedIn(current),
		}
	}

	if r.states != nil && !r.states[current] {
		return ValidationResult{
			Error:   fmt.Sprintf("command %s not allowed in state %s", kind, current),
			Hint:    hintFor(kind, current),
			Allowed: allowedIn(current),
		}
	}

	return ValidationResult{OK: true, NewState: r.next}
}

// AllowedCommands returns the commands valid in the current state, in
// deterministic order.
func (f *FSM) AllowedCommands() []string {
	return allowedIn(f.Current())
}

// CanAutoProgress reports whether the orchestrator may advance this
// project without user input. Only an active sprint auto-progresses
// (to review, once every task completes).
func (f *FSM) CanAutoProgress() bool {
	return f.Current() == StateSprintActive
}

func allowedIn(s State) []string {
	var out []string
	for kind, r := range commandRules {
		if r.states == nil || r.states[s] {
			out = append(out, kind.String())
		}
	}
	sort.Strings(out)
	return out
}

func hintFor(kind proto.CommandKind, current State) string {
	switch kind {
	case proto.CmdSprintPlan:
		return "create an epic and stories first, then plan from BACKLOG_READY"
	case proto.CmdSprintStart:
		return "plan a sprint with /sprint plan before starting it"
	case proto.CmdSprintPause, proto.CmdSprintResume:
		return "pause/resume only applies to a running sprint"
	case proto.CmdFeedback, proto.CmdRequestChanges:
		return "wait for the sprint to reach review"
	case proto.CmdSuggestFix:
		return "fix suggestions apply only while the project is blocked"
	case proto.CmdEpic:
		return "epics can only be created before sprint execution begins"
	default:
		return fmt.Sprintf("not available in %s", current)
	}
}

// MermaidDiagram renders the Scrum lifecycle as a Mermaid state diagram
// for the /state introspection command.
func MermaidDiagram() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	b.WriteString("    [*] --> IDLE\n")
	b.WriteString("    IDLE --> BACKLOG_READY: epic\n")
	b.WriteString("    BACKLOG_READY --> SPRINT_PLANNED: sprint plan\n")
	b.WriteString("    SPRINT_PLANNED --> SPRINT_ACTIVE: sprint start\n")
	b.WriteString("    SPRINT_ACTIVE --> SPRINT_PAUSED: sprint pause\n")
	b.WriteString("    SPRINT_PAUSED --> SPRINT_ACTIVE: sprint resume\n")
	b.WriteString("    SPRINT_ACTIVE --> SPRINT_REVIEW: all tasks complete\n")
	b.WriteString("    SPRINT_REVIEW --> IDLE: feedback\n")
	b.WriteString("    SPRINT_ACTIVE --> BLOCKED: unrecoverable failure\n")
	b.WriteString("    BLOCKED --> BLOCKED: suggest_fix\n")
	return b.String()
}
