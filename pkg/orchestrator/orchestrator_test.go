package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agents"
	"agentflow/pkg/config"
	"agentflow/pkg/proto"
	"agentflow/pkg/scrum"
	"agentflow/pkg/tdd"
)

func testConfig(t *testing.T, policy string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Projects: []config.ProjectConfig{
			{Name: "default", Path: t.TempDir(), Orchestration: policy},
		},
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, policy string) *Orchestrator {
	t.Helper()
	registry := agents.NewRegistry()
	registry.RegisterDefaults()
	o, err := New(testConfig(t, policy), registry, nil)
	require.NoError(t, err)
	return o
}

func addStory(t *testing.T, o *Orchestrator, description string, priority int) string {
	t.Helper()
	result := o.HandleCommand(context.Background(), "/backlog add_story", "default",
		proto.Params{"description": description, "priority": priority})
	require.True(t, result.OK, result.Error)
	id, ok := result.Get("story_id")
	require.True(t, ok)
	return id.(string)
}

func TestUnknownProjectListsAvailable(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	result := o.HandleCommand(context.Background(), "/state", "ghost", nil)
	assert.False(t, result.OK)
	available, ok := result.Get("available_projects")
	require.True(t, ok)
	assert.Equal(t, []string{"default"}, available)
}

func TestHappyPathScrum(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()

	// Epic moves the project to BACKLOG_READY.
	result := o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "BACKLOG_READY", result.CurrentState)

	storyID := addStory(t, o, "User can sign in", 2)
	result = o.HandleCommand(ctx, "/backlog view", "default", nil)
	require.True(t, result.OK)
	total, _ := result.Get("total_stories")
	assert.Equal(t, 1, total)

	result = o.HandleCommand(ctx, "/sprint plan", "default",
		proto.Params{"story_ids": []string{storyID}})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "SPRINT_PLANNED", result.CurrentState)

	result = o.HandleCommand(ctx, "/sprint start", "default", nil)
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "SPRINT_ACTIVE", result.CurrentState)

	// Autonomous policy ran the QA task synchronously; every task is
	// complete, so one reconcile pass advances to review.
	o.ReconcileOnce(ctx)
	p, _ := o.Project("default")
	assert.Equal(t, scrum.StateSprintReview, p.Scrum.Current())
}

func TestTDDCycleLifecycle(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()

	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "login endpoint", 2)

	result := o.HandleCommand(ctx, "/tdd start", "default",
		proto.Params{"story_id": storyID, "task_description": "login endpoint"})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "design", result.CurrentState)

	expected := []string{"test_red", "code_green", "refactor", "commit"}
	for _, want := range expected {
		result = o.HandleCommand(ctx, "/tdd next", "default", nil)
		require.True(t, result.OK, result.Error)
		assert.Equal(t, want, result.CurrentState)
	}

	// The cycle is terminal and mirrored onto the story.
	p, _ := o.Project("default")
	data, err := p.Storage.LoadProjectData()
	require.NoError(t, err)
	story := data.StoryByID(storyID)
	assert.Equal(t, "commit", story.TestStatus)

	cycle, err := p.Storage.LoadTDDCycle(story.TDDCycleID)
	require.NoError(t, err)
	assert.True(t, cycle.IsComplete())
	assert.GreaterOrEqual(t, cycle.TotalCommits, 1)
}

func TestTDDStartRequiresStory(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()

	result := o.HandleCommand(ctx, "/tdd start", "default", nil)
	assert.False(t, result.OK)

	result = o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": "nope"})
	assert.False(t, result.OK)
	_, ok := result.Get("available_stories")
	assert.True(t, ok)
}

func TestTDDDuplicateCycleRejected(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()
	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "login endpoint", 2)

	result := o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": storyID})
	require.True(t, result.OK)

	result = o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": storyID})
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "already has an active TDD cycle")
}

func TestMaxConcurrentCyclesEnforced(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()
	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})

	for i := 0; i < MaxConcurrentCycles; i++ {
		storyID := addStory(t, o, "story", 3)
		result := o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": storyID})
		require.True(t, result.OK, result.Error)
	}

	extra := addStory(t, o, "one too many", 3)
	result := o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": extra})
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "too many active TDD cycles")
}

func TestTDDAbort(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()
	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "login endpoint", 2)
	o.HandleCommand(ctx, "/tdd start", "default", proto.Params{"story_id": storyID})

	result := o.HandleCommand(ctx, "/tdd abort", "default", proto.Params{"story_id": storyID})
	require.True(t, result.OK, result.Error)

	p, _ := o.Project("default")
	data, _ := p.Storage.LoadProjectData()
	story := data.StoryByID(storyID)
	assert.Equal(t, "aborted", story.TestStatus)

	cycle, _ := p.Storage.LoadTDDCycle(story.TDDCycleID)
	assert.True(t, cycle.IsComplete())
}

func TestBlockingPolicyQueuesApproval(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyBlocking)
	ctx := context.Background()

	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "User can sign in", 2)
	o.HandleCommand(ctx, "/sprint plan", "default", proto.Params{"story_ids": []string{storyID}})

	result := o.HandleCommand(ctx, "/sprint start", "default", nil)
	require.True(t, result.OK, result.Error)
	dispatch, _ := result.Get("dispatch")
	assert.Contains(t, dispatch, "queued for approval")

	p, _ := o.Project("default")
	p.mu.Lock()
	// The epic's design task and the sprint's QA task are both gated.
	pendingApprovals := len(p.PendingApprovals)
	var qaTask *agents.Task
	for _, task := range p.ActiveTasks {
		if task.AgentType == agents.TypeQA {
			qaTask = task
		}
	}
	p.mu.Unlock()
	assert.GreaterOrEqual(t, pendingApprovals, 1)
	require.NotNil(t, qaTask)
	assert.Equal(t, agents.TaskPending, qaTask.Status, "gated task must not run before approval")

	// Approval releases and runs the tasks live.
	result = o.HandleCommand(ctx, "/approve", "default", nil)
	require.True(t, result.OK, result.Error)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.PendingApprovals)
	assert.Equal(t, agents.TaskCompleted, qaTask.Status)
}

// failingAgent always fails with a configurable kind.
type failingAgent struct {
	name string
	kind agents.FailureKind
}

func (f *failingAgent) Name() string                  { return f.name }
func (f *failingAgent) Capabilities() map[string]bool { return map[string]bool{} }
func (f *failingAgent) Run(context.Context, *agents.Task, bool) (*agents.Result, error) {
	return &agents.Result{OK: false, Error: "tests failed", FailureKind: f.kind}, nil
}

func (f *failingAgent) ExecuteTDDPhase(context.Context, tdd.State, map[string]any) (*agents.Result, error) {
	return nil, nil
}

func TestFailureRecoveryEscalatesAfterMaxRetries(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()

	registry := o.registry
	registry.Register(&failingAgent{name: agents.TypeQA, kind: agents.FailureTest})

	p, _ := o.Project("default")
	task := agents.NewTask(agents.TypeQA, "write tests", nil)
	p.mu.Lock()
	p.ActiveTasks = append(p.ActiveTasks, task)
	p.mu.Unlock()

	// First two failures retry with the test_failure recovery action.
	for i := 1; i < MaxTaskRetries; i++ {
		result := o.executeTask(ctx, p, task, false)
		assert.False(t, result.OK)
		action, _ := result.Get("recovery_action")
		assert.Contains(t, action, "revert")
		assert.Equal(t, agents.TaskPending, task.Status)
	}

	// The third failure escalates exactly once.
	result := o.executeTask(ctx, p, task, false)
	assert.False(t, result.OK)
	assert.Equal(t, agents.TaskFailed, task.Status)

	p.mu.Lock()
	pending := append([]string{}, p.PendingApprovals...)
	p.mu.Unlock()
	require.Len(t, pending, 1)

	req, ok := o.ApprovalByID(pending[0])
	require.True(t, ok)
	assert.Contains(t, req.Reason, "human_intervention")
	assert.Equal(t, 1, o.PendingApprovalCount())
}

func TestPersistReloadRoundTrip(t *testing.T) {
	cfg := testConfig(t, config.PolicyBlocking)
	registry := agents.NewRegistry()
	registry.RegisterDefaults()

	o, err := New(cfg, registry, nil)
	require.NoError(t, err)
	ctx := context.Background()

	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "User can sign in", 2)
	result := o.HandleCommand(ctx, "/sprint plan", "default",
		proto.Params{"story_ids": []string{storyID}})
	require.True(t, result.OK)

	p, _ := o.Project("default")
	p.mu.Lock()
	taskIDs := make([]string, 0, len(p.ActiveTasks))
	for _, task := range p.ActiveTasks {
		taskIDs = append(taskIDs, task.ID)
	}
	p.mu.Unlock()
	require.NoError(t, p.persist())

	// A fresh orchestrator over the same config restores everything.
	reloaded, err := New(cfg, registry, nil)
	require.NoError(t, err)
	rp, _ := reloaded.Project("default")
	assert.Equal(t, scrum.StateSprintPlanned, rp.Scrum.Current())

	rp.mu.Lock()
	reloadedIDs := make([]string, 0, len(rp.ActiveTasks))
	for _, task := range rp.ActiveTasks {
		reloadedIDs = append(reloadedIDs, task.ID)
	}
	rp.mu.Unlock()
	assert.Equal(t, taskIDs, reloadedIDs)

	// Re-submitting the same sprint plan is rejected identically.
	first := o.HandleCommand(ctx, "/sprint plan", "default",
		proto.Params{"story_ids": []string{storyID}})
	second := reloaded.HandleCommand(ctx, "/sprint plan", "default",
		proto.Params{"story_ids": []string{storyID}})
	assert.False(t, first.OK)
	assert.False(t, second.OK)
	assert.Equal(t, first.Error, second.Error)
}

func TestStateIntrospection(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	result := o.HandleCommand(context.Background(), "/state", "default", nil)
	require.True(t, result.OK)
	assert.Equal(t, "IDLE", result.CurrentState)
	assert.NotEmpty(t, result.AllowedCommands)
	diagram, ok := result.Get("mermaid_diagram")
	require.True(t, ok)
	assert.True(t, strings.Contains(diagram.(string), "stateDiagram"))
}

func TestInvalidStateCommandsGetHints(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	result := o.HandleCommand(context.Background(), "/sprint start", "default", nil)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Hint)
	assert.NotEmpty(t, result.AllowedCommands)
	assert.Equal(t, "IDLE", result.CurrentState)
}

func TestFeedbackClosesSprint(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()

	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "User can sign in", 2)
	o.HandleCommand(ctx, "/sprint plan", "default", proto.Params{"story_ids": []string{storyID}})
	o.HandleCommand(ctx, "/sprint start", "default", nil)
	o.ReconcileOnce(ctx)

	result := o.HandleCommand(ctx, "/feedback", "default",
		proto.Params{"description": "went well"})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "IDLE", result.CurrentState)

	p, _ := o.Project("default")
	data, _ := p.Storage.LoadProjectData()
	assert.Nil(t, data.ActiveSprint())
	story := data.StoryByID(storyID)
	assert.Equal(t, "done", string(story.Status))
}

func TestTDDOverviewAggregates(t *testing.T) {
	o := newTestOrchestrator(t, config.PolicyAutonomous)
	ctx := context.Background()
	o.HandleCommand(ctx, "/epic", "default", proto.Params{"description": "Login"})
	storyID := addStory(t, o, "login endpoint", 2)
	o.HandleCommand(ctx, "/tdd start", "default",
		proto.Params{"story_id": storyID, "task_description": "endpoint"})
	for range 4 {
		o.HandleCommand(ctx, "/tdd next", "default", nil)
	}

	result := o.HandleCommand(ctx, "/tdd overview", "default", nil)
	require.True(t, result.OK)
	info, ok := result.Get("overview_info")
	require.True(t, ok)
	overview := info.(map[string]any)
	assert.Equal(t, 1, overview["completed_cycles"])
	assert.Equal(t, 0, overview["active_cycles"])
	assert.GreaterOrEqual(t, overview["total_commits"].(int), 1)
}
