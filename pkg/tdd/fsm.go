package tdd

import (
	"fmt"
	"sync"

	"agentflow/pkg/proto"
)

// CommandResult is the outcome of a TDD command against the active cycle.
type CommandResult struct {
	OK            bool
	Message       string
	Error         string
	Hint          string
	NextSuggested string
	Allowed       []string
}

// FSM validates and applies TDD commands against one active cycle at a
// time. The cycle itself carries the durable state; the FSM carries the
// transition rules.
type FSM struct {
	mu    sync.Mutex
	cycle *Cycle
}

// NewFSM returns a machine with no active cycle.
func NewFSM() *FSM {
	return &FSM{}
}

// SetActiveCycle binds the machine to a cycle loaded from storage.
func (f *FSM) SetActiveCycle(c *Cycle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycle = c
}

// ActiveCycle returns the bound cycle, or nil.
func (f *FSM) ActiveCycle() *Cycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycle
}

// Reset unbinds the active cycle.
func (f *FSM) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycle = nil
}

// allowedCommands maps each state to the commands valid in it.
//
//nolint:gochecknoglobals // canonical command table
var allowedCommands = map[State][]string{
	StateDesign:    {"/tdd design", "/tdd test", "/tdd next"},
	StateTestRed:   {"/tdd run_tests", "/tdd code", "/tdd next"},
	StateCodeGreen: {"/tdd run_tests", "/tdd refactor", "/tdd next"},
	StateRefactor:  {"/tdd run_tests", "/tdd refactor", "/tdd commit", "/tdd next"},
	StateCommit:    {},
}

// nextSuggested maps each state to the command an interactive client
// should run next.
//
//nolint:gochecknoglobals // canonical hint table
var nextSuggested = map[State]string{
	StateDesign:    "/tdd test",
	StateTestRed:   "/tdd code",
	StateCodeGreen: "/tdd refactor",
	StateRefactor:  "/tdd commit",
	StateCommit:    "",
}

// Transition validates and applies a TDD command. Counters on the cycle
// are updated here; persistence is the caller's responsibility.
//
//nolint:cyclop // switch over command kinds is inherently flat
func (f *FSM) Transition(kind proto.CommandKind) CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cycle == nil {
		return CommandResult{
			Error: "no active TDD cycle",
			Hint:  "start a cycle with /tdd start <story_id>",
		}
	}
	if f.cycle.IsComplete() {
		return CommandResult{
			Error: fmt.Sprintf("cycle %s is complete", f.cycle.ID),
			Hint:  "start a new cycle with /tdd start <story_id>",
		}
	}

	state := f.cycle.CurrentState
	switch kind {
	case proto.CmdTDDNext:
		return f.advance(nextOnPath(state))

	case proto.CmdTDDDesign:
		if state != StateDesign {
			return f.invalid(kind, state)
		}
		// Refining the design is idempotent within DESIGN.
		return f.ok("design refined")

	case proto.CmdTDDTest:
		if state != StateDesign {
			return f.invalid(kind, state)
		}
		return f.advance(StateTestRed)

	case proto.CmdTDDCode:
		if state != StateTestRed {
			return f.invalid(kind, state)
		}
		return f.advance(StateCodeGreen)

	case proto.CmdTDDRunTests:
		switch state {
		case StateTestRed:
			// Tests must fail here; the cycle stays red.
			f.cycle.TotalTestRuns++
			return f.ok("tests executed (expected to fail in test_red)")
		case StateCodeGreen:
			// Tests pass; the cycle advances.
			f.cycle.TotalTestRuns++
			return f.advance(StateRefactor)
		case StateRefactor:
			// The suite must keep passing during refactoring.
			f.cycle.TotalTestRuns++
			return f.ok("tests executed (suite must stay green)")
		default:
			return f.invalid(kind, state)
		}

	case proto.CmdTDDRefactor:
		switch state {
		case StateCodeGreen:
			f.cycle.TotalRefactors++
			return f.advance(StateRefactor)
		case StateRefactor:
			// Repeated refactoring within the phase is allowed.
			f.cycle.TotalRefactors++
			return f.ok("refactor recorded")
		default:
			return f.invalid(kind, state)
		}

	case proto.CmdTDDCommit:
		if state != StateRefactor {
			return f.invalid(kind, state)
		}
		return f.advance(StateCommit)

	default:
		return CommandResult{
			Error:   fmt.Sprintf("not a TDD transition command: %s", kind),
			Allowed: append([]string{}, allowedCommands[state]...),
		}
	}
}

// advance moves the cycle to target, handling commit bookkeeping.
func (f *FSM) advance(target State) CommandResult {
	if target == "" {
		return CommandResult{
			Error: "cycle already at commit",
			Hint:  "start a new cycle with /tdd start <story_id>",
		}
	}
	f.cycle.CurrentState = target

	if target == StateCommit {
		f.cycle.TotalCommits++
		if !f.cycle.CompleteCurrentTask() {
			// No pending task remains: the cycle is terminal.
			f.cycle.MarkComplete()
		} else {
			// Another task begins a fresh loop.
			f.cycle.CurrentState = StateDesign
		}
	}

	return f.ok(fmt.Sprintf("advanced to %s", f.cycle.CurrentState))
}

func (f *FSM) ok(message string) CommandResult {
	return CommandResult{
		OK:            true,
		Message:       message,
		NextSuggested: nextSuggested[f.cycle.CurrentState],
		Allowed:       append([]string{}, allowedCommands[f.cycle.CurrentState]...),
	}
}

func (f *FSM) invalid(kind proto.CommandKind, state State) CommandResult {
	return CommandResult{
		Error:   fmt.Sprintf("%s not valid in %s", kind, state),
		Hint:    fmt.Sprintf("try %s", nextSuggested[state]),
		Allowed: append([]string{}, allowedCommands[state]...),
	}
}

// StateInfo is the idempotent introspection snapshot for /tdd status.
type StateInfo struct {
	CurrentState  string   `json:"current_state"`
	Allowed       []string `json:"allowed_commands"`
	NextSuggested string   `json:"next_suggested"`
}

// GetStateInfo returns the current snapshot. Side-effect free.
func (f *FSM) GetStateInfo() StateInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cycle == nil {
		return StateInfo{Allowed: []string{"/tdd start <story_id>"}}
	}
	return StateInfo{
		CurrentState:  f.cycle.CurrentState.String(),
		Allowed:       append([]string{}, allowedCommands[f.cycle.CurrentState]...),
		NextSuggested: nextSuggested[f.cycle.CurrentState],
	}
}
