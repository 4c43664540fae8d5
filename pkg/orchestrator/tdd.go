package orchestrator

import (
	"context"
	"fmt"

	"agentflow/pkg/agents"
	"agentflow/pkg/background"
	"agentflow/pkg/proto"
	"agentflow/pkg/tdd"
)

// handleTDDStart creates a TDD cycle for a story.
func (o *Orchestrator) handleTDDStart(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyID := cmd.Params.String("story_id")
	if storyID == "" {
		return proto.Fail("story_id is required to start a TDD cycle").
			WithHint("use: /tdd start story_id=<id>")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	story := data.StoryByID(storyID)
	if story == nil {
		ids := make([]string, 0, len(data.Stories))
		for _, s := range data.Stories {
			ids = append(ids, s.ID)
		}
		return proto.Fail(fmt.Sprintf("story not found: %s", storyID)).
			Set("available_stories", ids)
	}

	// At most one non-terminal cycle per story.
	if story.TDDCycleID != "" {
		existing, err := p.Storage.LoadTDDCycle(story.TDDCycleID)
		if err != nil {
			return proto.Fail(err.Error())
		}
		if existing != nil && !existing.IsComplete() {
			return proto.Fail(fmt.Sprintf("story %s already has an active TDD cycle: %s", storyID, existing.ID)).
				WithHint("use /tdd status to inspect it or /tdd abort to cancel it")
		}
	}

	// Resource limit: concurrent non-terminal cycles per project.
	active, err := p.Storage.ActiveTDDCycleCount()
	if err != nil {
		return proto.Fail(err.Error())
	}
	if active >= MaxConcurrentCycles {
		return proto.Fail(fmt.Sprintf("too many active TDD cycles (%d); maximum is %d", active, MaxConcurrentCycles)).
			WithHint("complete or abort a cycle before starting a new one")
	}

	cycle := tdd.NewCycle(storyID)
	if description := cmd.Params.String("task_description"); description != "" {
		task := tdd.NewTask(description)
		cycle.AddTask(task)
		cycle.StartTask(task.ID)
	}
	p.TDD.SetActiveCycle(cycle)

	story.TDDCycleID = cycle.ID
	story.TestStatus = tdd.StateDesign.String()

	if err := p.Storage.SaveTDDCycle(cycle); err != nil {
		return proto.Fail(err.Error())
	}
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	return proto.OK(fmt.Sprintf("TDD cycle started for story %s", storyID)).
		Set("cycle_id", cycle.ID).
		Set("story_id", storyID).
		WithState(cycle.CurrentState.String()).
		WithNextStep("/tdd design to create detailed specifications")
}

// activeCycle binds and returns the project's active cycle.
func (o *Orchestrator) activeCycle(p *Project) (*tdd.Cycle, proto.Result) {
	if cycle := p.TDD.ActiveCycle(); cycle != nil && !cycle.IsComplete() {
		return cycle, proto.Result{}
	}
	cycle, err := p.Storage.ActiveTDDCycle()
	if err != nil {
		return nil, proto.Fail(err.Error())
	}
	if cycle == nil {
		return nil, proto.Fail("no active TDD cycle").
			WithHint("start a cycle with /tdd start story_id=<id>")
	}
	p.TDD.SetActiveCycle(cycle)
	return cycle, proto.Result{}
}

// handleTDDStatus reports the cycle summary and allowed TDD commands.
func (o *Orchestrator) handleTDDStatus(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyID := cmd.Params.String("story_id")
	if storyID != "" {
		data, err := p.Storage.LoadProjectData()
		if err != nil {
			return proto.Fail(err.Error())
		}
		story := data.StoryByID(storyID)
		if story == nil {
			return proto.Fail(fmt.Sprintf("story not found: %s", storyID))
		}
		if story.TDDCycleID == "" {
			return proto.OK(fmt.Sprintf("no TDD cycle for story %s", storyID)).
				WithAllowed([]string{fmt.Sprintf("/tdd start story_id=%s", storyID)})
		}
		cycle, err := p.Storage.LoadTDDCycle(story.TDDCycleID)
		if err != nil {
			return proto.Fail(err.Error())
		}
		if cycle == nil {
			return proto.OK(fmt.Sprintf("TDD cycle not found for story %s", storyID))
		}
		p.TDD.SetActiveCycle(cycle)
		info := p.TDD.GetStateInfo()
		return proto.OK("TDD status").
			Set("cycle_info", cycle.ProgressSummary()).
			Set("next_suggested", info.NextSuggested).
			WithAllowed(info.Allowed).
			WithState(cycle.CurrentState.String())
	}

	cycle, fail := o.activeCycle(p)
	if cycle == nil {
		if fail.Error == "no active TDD cycle" {
			return proto.OK("no active TDD cycle").
				WithAllowed([]string{"/tdd start story_id=<id>"})
		}
		return fail
	}
	info := p.TDD.GetStateInfo()
	return proto.OK("TDD status").
		Set("cycle_info", cycle.ProgressSummary()).
		Set("next_suggested", info.NextSuggested).
		WithAllowed(info.Allowed).
		WithState(cycle.CurrentState.String())
}

// handleTDDTransition validates and applies one TDD command, then
// coordinates the agent hand-off for the state change.
func (o *Orchestrator) handleTDDTransition(ctx context.Context, p *Project, cmd proto.Command) proto.Result {
	cycle, fail := o.activeCycle(p)
	if cycle == nil {
		return fail
	}

	fromState := cycle.CurrentState
	result := p.TDD.Transition(cmd.Kind)
	if !result.OK {
		return proto.Fail(result.Error).
			WithHint(result.Hint).
			WithState(cycle.CurrentState.String()).
			WithAllowed(result.Allowed)
	}

	if err := p.Storage.SaveTDDCycle(cycle); err != nil {
		return proto.Fail(err.Error())
	}

	// Mirror the cycle state onto the story.
	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	if story := data.StoryByID(cycle.StoryID); story != nil {
		story.TestStatus = cycle.CurrentState.String()
		if err := p.Storage.SaveProjectData(data); err != nil {
			return proto.Fail(err.Error())
		}
	}

	out := proto.OK(result.Message).
		WithState(cycle.CurrentState.String()).
		Set("next_suggested", result.NextSuggested)

	if handoff := o.coordinateHandoff(ctx, p, cycle, fromState, cycle.CurrentState); handoff != "" {
		out = out.Set("handoff", handoff)
	}
	if cycle.IsComplete() {
		p.TDD.Reset()
		o.submitBackground(background.TaskIndexUpdate, background.PriorityMedium,
			map[string]any{"reason": "tdd_cycle_complete", "cycle_id": cycle.ID})
	}
	return out
}

// coordinateHandoff builds the hand-off task when the preferred agent
// changes across a TDD transition. Returns a description of the
// hand-off, or "" when none happened.
func (o *Orchestrator) coordinateHandoff(ctx context.Context, p *Project, cycle *tdd.Cycle, from, to tdd.State) string {
	fromAgent := agents.AgentForTDDState(from)
	toAgent := agents.AgentForTDDState(to)
	if fromAgent == toAgent || toAgent == "" {
		return ""
	}
	if _, ok := o.registry.Get(toAgent); !ok {
		return ""
	}

	current := cycle.CurrentTask()
	handoffContext := map[string]any{
		"cycle_id":   cycle.ID,
		"story_id":   cycle.StoryID,
		"from_state": from.String(),
		"to_state":   to.String(),
	}
	if current != nil {
		handoffContext["task_id"] = current.ID
		handoffContext["task_description"] = current.Description
		handoffContext["test_files"] = current.TestFiles
		handoffContext["source_files"] = current.SourceFiles
	}

	task := agents.NewTask(toAgent,
		fmt.Sprintf("Continue TDD cycle in %s state", to), handoffContext)
	p.mu.Lock()
	p.ActiveTasks = append(p.ActiveTasks, task)
	if err := p.persistLocked(); err != nil {
		o.logger.Error("failed to persist hand-off task: %v", err)
	}
	p.mu.Unlock()

	o.dispatchTask(ctx, p, task)
	return fmt.Sprintf("%s -> %s", fromAgent, toAgent)
}

// handleTDDAbort forces a cycle to terminal with test_status aborted.
func (o *Orchestrator) handleTDDAbort(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyID := cmd.Params.String("story_id")

	var cycle *tdd.Cycle
	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}

	if storyID != "" {
		story := data.StoryByID(storyID)
		if story == nil {
			return proto.Fail(fmt.Sprintf("story not found: %s", storyID))
		}
		if story.TDDCycleID == "" {
			return proto.Fail(fmt.Sprintf("no TDD cycle found for story %s", storyID))
		}
		cycle, err = p.Storage.LoadTDDCycle(story.TDDCycleID)
		if err != nil {
			return proto.Fail(err.Error())
		}
		if cycle == nil || cycle.IsComplete() {
			return proto.Fail(fmt.Sprintf("no active TDD cycle for story %s", storyID))
		}
	} else {
		var fail proto.Result
		cycle, fail = o.activeCycle(p)
		if cycle == nil {
			return fail
		}
	}

	cycle.MarkComplete()
	if story := data.StoryByID(cycle.StoryID); story != nil {
		story.TestStatus = "aborted"
	}
	if err := p.Storage.SaveTDDCycle(cycle); err != nil {
		return proto.Fail(err.Error())
	}
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}
	p.TDD.Reset()

	return proto.OK(fmt.Sprintf("TDD cycle %s aborted", cycle.ID)).
		WithNextStep("start a new cycle with /tdd start story_id=<id>")
}

// handleTDDLogs reports per-cycle events and counters.
func (o *Orchestrator) handleTDDLogs(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyID := cmd.Params.String("story_id")

	var cycle *tdd.Cycle
	if storyID != "" {
		data, err := p.Storage.LoadProjectData()
		if err != nil {
			return proto.Fail(err.Error())
		}
		story := data.StoryByID(storyID)
		if story == nil {
			return proto.Fail(fmt.Sprintf("story not found: %s", storyID))
		}
		if story.TDDCycleID == "" {
			return proto.OK(fmt.Sprintf("no TDD cycle logs for story %s", storyID))
		}
		cycle, err = p.Storage.LoadTDDCycle(story.TDDCycleID)
		if err != nil {
			return proto.Fail(err.Error())
		}
		if cycle == nil {
			return proto.OK(fmt.Sprintf("TDD cycle not found for story %s", storyID))
		}
	} else {
		var err error
		cycle, err = p.Storage.ActiveTDDCycle()
		if err != nil {
			return proto.Fail(err.Error())
		}
		if cycle == nil {
			return proto.OK("no active TDD cycle logs")
		}
	}

	lastActivity := "in progress"
	if cycle.CompletedAt != nil {
		lastActivity = cycle.CompletedAt.String()
	}
	return proto.OK("TDD logs").Set("logs_info", map[string]any{
		"cycle_id":      cycle.ID,
		"story_id":      cycle.StoryID,
		"total_events":  len(cycle.Tasks) + cycle.TotalTestRuns + cycle.TotalCommits,
		"last_activity": lastActivity,
		"recent_events": []string{
			fmt.Sprintf("started cycle at %s", cycle.StartedAt),
			fmt.Sprintf("total test runs: %d", cycle.TotalTestRuns),
			fmt.Sprintf("total refactors: %d", cycle.TotalRefactors),
			fmt.Sprintf("total commits: %d", cycle.TotalCommits),
			fmt.Sprintf("current state: %s", cycle.CurrentState),
		},
	})
}

// handleTDDOverview aggregates every cycle into a dashboard view.
func (o *Orchestrator) handleTDDOverview(_ context.Context, p *Project, _ proto.Command) proto.Result {
	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	ids, err := p.Storage.ListTDDCycleIDs()
	if err != nil {
		return proto.Fail(err.Error())
	}

	var activeCycles, completedCycles, testRuns, refactors, commits int
	var coverageSum float64
	var coverageCount int
	var activeStories []string

	for _, id := range ids {
		cycle, err := p.Storage.LoadTDDCycle(id)
		if err != nil {
			return proto.Fail(err.Error())
		}
		if cycle == nil {
			continue
		}
		if cycle.IsComplete() {
			completedCycles++
		} else {
			activeCycles++
			if story := data.StoryByID(cycle.StoryID); story != nil && len(activeStories) < 5 {
				activeStories = append(activeStories, fmt.Sprintf("%s: %s", story.ID, story.Title))
			}
		}
		testRuns += cycle.TotalTestRuns
		refactors += cycle.TotalRefactors
		commits += cycle.TotalCommits
		if cycle.OverallTestCoverage > 0 {
			coverageSum += cycle.OverallTestCoverage
			coverageCount++
		}
	}

	averageCoverage := 0.0
	if coverageCount > 0 {
		averageCoverage = coverageSum / float64(coverageCount)
	}
	successRate := 0.0
	if total := activeCycles + completedCycles; total > 0 {
		successRate = float64(completedCycles) / float64(total)
	}

	return proto.OK("TDD overview").Set("overview_info", map[string]any{
		"active_cycles":    activeCycles,
		"completed_cycles": completedCycles,
		"total_test_runs":  testRuns,
		"total_refactors":  refactors,
		"total_commits":    commits,
		"average_coverage": averageCoverage,
		"success_rate":     successRate,
		"active_stories":   activeStories,
	})
}
