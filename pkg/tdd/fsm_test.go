package tdd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/proto"
)

func newBoundFSM(t *testing.T) (*FSM, *Cycle) {
	t.Helper()
	cycle := NewCycle("story-1")
	task := NewTask("login endpoint")
	cycle.AddTask(task)
	require.True(t, cycle.StartTask(task.ID))
	fsm := NewFSM()
	fsm.SetActiveCycle(cycle)
	return fsm, cycle
}

func TestCanonicalPathViaNext(t *testing.T) {
	fsm, cycle := newBoundFSM(t)

	expected := []State{StateTestRed, StateCodeGreen, StateRefactor, StateCommit}
	for _, want := range expected {
		result := fsm.Transition(proto.CmdTDDNext)
		require.True(t, result.OK, result.Error)
		assert.Equal(t, want, cycle.CurrentState)
	}

	assert.True(t, cycle.IsComplete())
	assert.GreaterOrEqual(t, cycle.TotalCommits, 1)
	require.NotNil(t, cycle.CompletedAt)

	// Nothing advances past commit.
	result := fsm.Transition(proto.CmdTDDNext)
	assert.False(t, result.OK)
}

func TestRunTestsSemantics(t *testing.T) {
	fsm, cycle := newBoundFSM(t)
	cycle.CurrentState = StateTestRed

	// In test_red, tests run and the state holds.
	result := fsm.Transition(proto.CmdTDDRunTests)
	require.True(t, result.OK)
	assert.Equal(t, StateTestRed, cycle.CurrentState)
	assert.Equal(t, 1, cycle.TotalTestRuns)

	// In code_green, a passing run advances to refactor.
	cycle.CurrentState = StateCodeGreen
	result = fsm.Transition(proto.CmdTDDRunTests)
	require.True(t, result.OK)
	assert.Equal(t, StateRefactor, cycle.CurrentState)
	assert.Equal(t, 2, cycle.TotalTestRuns)

	// In refactor, the suite keeps running without a state change.
	result = fsm.Transition(proto.CmdTDDRunTests)
	require.True(t, result.OK)
	assert.Equal(t, StateRefactor, cycle.CurrentState)

	// Not valid in design.
	cycle.CurrentState = StateDesign
	result = fsm.Transition(proto.CmdTDDRunTests)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Allowed)
}

func TestRefactorIdempotentWithinPhase(t *testing.T) {
	fsm, cycle := newBoundFSM(t)
	cycle.CurrentState = StateCodeGreen

	require.True(t, fsm.Transition(proto.CmdTDDRefactor).OK)
	assert.Equal(t, StateRefactor, cycle.CurrentState)
	require.True(t, fsm.Transition(proto.CmdTDDRefactor).OK)
	require.True(t, fsm.Transition(proto.CmdTDDRefactor).OK)
	assert.Equal(t, 3, cycle.TotalRefactors)
	assert.Equal(t, StateRefactor, cycle.CurrentState)
}

func TestCommitWithPendingTaskRestartsLoop(t *testing.T) {
	fsm, cycle := newBoundFSM(t)
	second := NewTask("second slice")
	cycle.AddTask(second)

	cycle.CurrentState = StateRefactor
	result := fsm.Transition(proto.CmdTDDCommit)
	require.True(t, result.OK)

	// The next pending task starts a fresh loop at design.
	assert.Equal(t, StateDesign, cycle.CurrentState)
	assert.False(t, cycle.IsComplete())
	assert.Equal(t, 1, cycle.TotalCommits)
	require.NotNil(t, cycle.CurrentTask())
	assert.Equal(t, second.ID, cycle.CurrentTask().ID)
}

func TestCommitOnlyFromRefactor(t *testing.T) {
	fsm, cycle := newBoundFSM(t)
	for _, s := range []State{StateDesign, StateTestRed, StateCodeGreen} {
		cycle.CurrentState = s
		result := fsm.Transition(proto.CmdTDDCommit)
		assert.False(t, result.OK, "commit should be rejected in %s", s)
	}
}

func TestTransitionWithoutCycle(t *testing.T) {
	fsm := NewFSM()
	result := fsm.Transition(proto.CmdTDDNext)
	assert.False(t, result.OK)
	assert.Contains(t, result.Hint, "/tdd start")
}

func TestGetStateInfoIdempotent(t *testing.T) {
	fsm, _ := newBoundFSM(t)
	first := fsm.GetStateInfo()
	second := fsm.GetStateInfo()
	assert.Equal(t, first, second)
	assert.Equal(t, "design", first.CurrentState)
	assert.Equal(t, "/tdd test", first.NextSuggested)

	empty := NewFSM().GetStateInfo()
	assert.Equal(t, []string{"/tdd start <story_id>"}, empty.Allowed)
}

func TestCountersMonotonic(t *testing.T) {
	fsm, cycle := newBoundFSM(t)
	cycle.CurrentState = StateTestRed

	prevRuns := cycle.TotalTestRuns
	for range 5 {
		fsm.Transition(proto.CmdTDDRunTests)
		assert.GreaterOrEqual(t, cycle.TotalTestRuns, prevRuns)
		prevRuns = cycle.TotalTestRuns
	}
}

func TestProgressSummary(t *testing.T) {
	_, cycle := newBoundFSM(t)
	summary := cycle.ProgressSummary()
	assert.Equal(t, cycle.ID, summary["cycle_id"])
	assert.Equal(t, "design", summary["current_state"])
	assert.Equal(t, 1, summary["total_tasks"])
	assert.Equal(t, 0, summary["completed_tasks"])
}
