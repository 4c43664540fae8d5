package orchestrator

import (
	"context"
	"fmt"

	"agentflow/pkg/agents"
	"agentflow/pkg/background"
	"agentflow/pkg/backlog"
	"agentflow/pkg/config"
	"agentflow/pkg/proto"
	"agentflow/pkg/scrum"
)

// handleEpic creates an epic and hands it to the design agent to
// propose stories.
func (o *Orchestrator) handleEpic(ctx context.Context, p *Project, cmd proto.Command) proto.Result {
	title := cmd.Params.String("title")
	description := cmd.Params.String("description")
	if title == "" && description == "" {
		return proto.Fail("epic title or description is required")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	epic := backlog.NewEpic(title, description)
	data.Epics = append(data.Epics, epic)
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	result := proto.OK(fmt.Sprintf("Epic %s created: %s", epic.ID, epic.Title)).
		Set("epic_id", epic.ID).
		Set("title", epic.Title).
		WithNextStep("add stories with /backlog add_story")

	// The design agent proposes stories for the epic, under policy.
	if _, ok := o.registry.Get(agents.TypeDesign); ok {
		task := agents.NewTask(agents.TypeDesign,
			fmt.Sprintf("Decompose epic into user stories: %s", epic.Description),
			map[string]any{"epic_id": epic.ID})
		p.mu.Lock()
		p.ActiveTasks = append(p.ActiveTasks, task)
		p.mu.Unlock()
		dispatch := o.dispatchTask(ctx, p, task)
		if dispatch.OK && p.Policy == config.PolicyBlocking {
			result = result.WithNextStep("design task queued; approve with /approve")
		} else if dispatch.OK {
			result = result.WithNextStep("DesignAgent will propose user stories")
		}
	}
	return result
}

// handleBacklogView lists the product or sprint backlog.
func (o *Orchestrator) handleBacklogView(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}

	backlogType := cmd.Params.String("backlog_type")
	if backlogType == "sprint" {
		sprint := data.ActiveSprint()
		if sprint == nil {
			return proto.Fail("no active sprint found")
		}
		items := make([]map[string]any, 0)
		for _, story := range data.StoriesBySprint(sprint.ID) {
			items = append(items, map[string]any{
				"id": story.ID, "title": story.Title,
				"status": string(story.Status), "priority": story.Priority,
			})
		}
		return proto.OK(fmt.Sprintf("sprint backlog for %s", sprint.ID)).
			Set("backlog_type", "sprint").
			Set("sprint_goal", sprint.Goal).
			Set("items", items)
	}

	items := make([]map[string]any, 0)
	for _, story := range data.BacklogStories() {
		items = append(items, map[string]any{
			"id": story.ID, "title": story.Title,
			"priority": story.Priority, "epic_id": story.EpicID,
		})
	}
	return proto.OK("product backlog").
		Set("backlog_type", "product").
		Set("items", items).
		Set("total_stories", len(items))
}

// handleBacklogAddStory appends a story to the backlog.
func (o *Orchestrator) handleBacklogAddStory(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	title := cmd.Params.String("title")
	description := cmd.Params.String("description")
	if title == "" && description == "" {
		return proto.Fail("story title or description is required")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}

	epicID := cmd.Params.String("epic_id")
	if epicID != "" && data.EpicByID(epicID) == nil {
		return proto.Fail(fmt.Sprintf("epic not found: %s", epicID))
	}

	story := backlog.NewStory(title, description, epicID, cmd.Params.Int("priority", backlog.PriorityDefault))
	data.Stories = append(data.Stories, story)
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	return proto.OK(fmt.Sprintf("Story %s created", story.ID)).
		Set("story_id", story.ID).
		Set("title", story.Title).
		Set("story_count", len(data.Stories))
}

// handleBacklogPrioritize changes a story's priority.
func (o *Orchestrator) handleBacklogPrioritize(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyID := cmd.Params.String("story_id")
	if storyID == "" {
		return proto.Fail("story_id is required")
	}
	priority := cmd.Params.Int("priority", -1)
	if priority < backlog.PriorityHighest || priority > backlog.PriorityLowest {
		return proto.Fail("priority must be between 1 (highest) and 5 (lowest)")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	story := data.StoryByID(storyID)
	if story == nil {
		return proto.Fail(fmt.Sprintf("story not found: %s", storyID))
	}

	old := story.Priority
	story.Priority = priority
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}
	return proto.OK(fmt.Sprintf("Story %s priority updated from %d to %d", storyID, old, priority)).
		Set("story_id", storyID).
		Set("old_priority", old).
		Set("new_priority", priority)
}

// handleSprintPlan creates a planned sprint over the given stories.
func (o *Orchestrator) handleSprintPlan(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	storyIDs := cmd.Params.StringSlice("story_ids")
	if len(storyIDs) == 0 {
		return proto.Fail("story_ids is required").WithHint("pick stories from /backlog view")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	for _, id := range storyIDs {
		story := data.StoryByID(id)
		if story == nil {
			return proto.Fail(fmt.Sprintf("story not found: %s", id))
		}
		if story.Status != backlog.StoryBacklog {
			return proto.Fail(fmt.Sprintf("story %s is not in the backlog (status %s)", id, story.Status))
		}
	}

	sprint := backlog.NewSprint(cmd.Params.String("goal"), storyIDs)
	data.Sprints = append(data.Sprints, sprint)
	for _, id := range storyIDs {
		story := data.StoryByID(id)
		story.Status = backlog.StoryInSprint
		story.SprintID = sprint.ID
	}
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	return proto.OK(fmt.Sprintf("Sprint planned with %d stories", len(storyIDs))).
		Set("sprint_id", sprint.ID).
		Set("stories", storyIDs).
		WithNextStep("/sprint start")
}

// handleSprintStart activates the planned sprint and enqueues the
// first TDD wave: failing tests from the QA agent.
func (o *Orchestrator) handleSprintStart(ctx context.Context, p *Project, _ proto.Command) proto.Result {
	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}

	var planned *backlog.Sprint
	for _, s := range data.Sprints {
		if s.Status == backlog.SprintPlanned {
			planned = s
		}
	}
	if planned == nil {
		return proto.Fail("no planned sprint to start").WithHint("plan one with /sprint plan")
	}
	if err := data.ActivateSprint(planned.ID); err != nil {
		return proto.Fail(err.Error())
	}
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	// Tests come first.
	task := agents.NewTask(agents.TypeQA,
		"Create failing tests for sprint stories",
		map[string]any{"stories": planned.StoryIDs, "sprint_id": planned.ID})
	p.mu.Lock()
	p.ActiveTasks = append(p.ActiveTasks, task)
	activeCount := len(p.ActiveTasks)
	if err := p.persistLocked(); err != nil {
		p.mu.Unlock()
		return proto.Fail(err.Error())
	}
	p.mu.Unlock()

	dispatch := o.dispatchTask(ctx, p, task)
	o.submitBackground(background.TaskCacheWarming, background.PriorityMedium,
		map[string]any{"agent_type": agents.TypeQA, "story_id": firstOrEmpty(planned.StoryIDs)})

	result := proto.OK("Sprint started - agents are now working").
		Set("sprint_id", planned.ID).
		Set("active_tasks", activeCount).
		WithNextStep("/sprint status")
	if dispatch.OK && dispatch.Message != "" {
		result = result.Set("dispatch", dispatch.Message)
	}
	return result
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// handleSprintStatus reports task counts and current state.
func (o *Orchestrator) handleSprintStatus(_ context.Context, p *Project, _ proto.Command) proto.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	completed, failed := 0, 0
	for _, t := range p.ActiveTasks {
		switch t.Status {
		case agents.TaskCompleted:
			completed++
		case agents.TaskFailed:
			failed++
		}
	}
	return proto.OK(fmt.Sprintf("Sprint status for %s", p.Name)).
		Set("total_tasks", len(p.ActiveTasks)).
		Set("completed_tasks", completed).
		Set("failed_tasks", failed).
		Set("pending_approvals", len(p.PendingApprovals)).
		WithState(p.Scrum.Current().String())
}

// handleSprintPause gates task execution; the FSM transition does the
// actual gating since the reconciler only dispatches in SPRINT_ACTIVE.
func (o *Orchestrator) handleSprintPause(_ context.Context, _ *Project, _ proto.Command) proto.Result {
	return proto.OK("Sprint paused - agent work halted").WithNextStep("/sprint resume")
}

// handleSprintResume reopens the task gate.
func (o *Orchestrator) handleSprintResume(_ context.Context, _ *Project, _ proto.Command) proto.Result {
	return proto.OK("Sprint resumed - agents continuing work").WithNextStep("/sprint status")
}

// handleApprove consumes approval queue items and runs the released
// tasks live. With no item_ids, the whole queue for the project drains
// atomically.
func (o *Orchestrator) handleApprove(ctx context.Context, p *Project, cmd proto.Command) proto.Result {
	itemIDs := cmd.Params.StringSlice("item_ids")

	p.mu.Lock()
	if len(itemIDs) == 0 {
		itemIDs = append([]string{}, p.PendingApprovals...)
	}
	var approved []string
	remaining := p.PendingApprovals[:0]
	approvedSet := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		approvedSet[id] = true
	}
	for _, id := range p.PendingApprovals {
		if approvedSet[id] {
			approved = append(approved, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	p.PendingApprovals = remaining
	p.mu.Unlock()

	// Pop the matching queue entries.
	o.mu.Lock()
	var released []*ApprovalRequest
	kept := o.approvals[:0]
	for _, req := range o.approvals {
		if req.ProjectName == p.Name && approvedSet[req.ID] {
			released = append(released, req)
		} else {
			kept = append(kept, req)
		}
	}
	o.approvals = kept
	o.mu.Unlock()

	// Approved tasks now run live.
	for _, req := range released {
		if req.Task == nil {
			continue
		}
		o.runTask(ctx, p, req.Task)
	}

	if err := p.persist(); err != nil {
		return proto.Fail(err.Error())
	}
	return proto.OK(fmt.Sprintf("Approved %d items", len(approved))).
		Set("approved_items", approved).
		WithNextStep("/sprint status")
}

// handleRequestChanges files a review change request into the backlog.
func (o *Orchestrator) handleRequestChanges(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	description := cmd.Params.String("description")
	if description == "" {
		return proto.Fail("change description is required")
	}

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	story := backlog.NewStory("", "Change request: "+description, "", backlog.PriorityHighest+1)
	data.Stories = append(data.Stories, story)
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	return proto.OK(fmt.Sprintf("Change request created: %s", story.ID)).
		Set("story_id", story.ID).
		WithNextStep("changes will be picked up next sprint")
}

// handleSuggestFix delivers an operator hint to the code agent.
func (o *Orchestrator) handleSuggestFix(ctx context.Context, p *Project, cmd proto.Command) proto.Result {
	description := cmd.Params.String("description")
	if description == "" {
		return proto.Fail("fix description is required")
	}

	task := agents.NewTask(agents.TypeCode,
		"Apply suggested fix: "+description,
		map[string]any{"suggested_by": "operator"})
	p.mu.Lock()
	p.ActiveTasks = append(p.ActiveTasks, task)
	p.mu.Unlock()
	o.dispatchTask(ctx, p, task)

	return proto.OK("Fix suggestion received").
		Set("task_id", task.ID).
		WithNextStep("CodeAgent will attempt to apply the fix")
}

// handleSkipTask advances past the first blocked task.
func (o *Orchestrator) handleSkipTask(_ context.Context, p *Project, _ proto.Command) proto.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, task := range p.ActiveTasks {
		if task.Status == agents.TaskFailed || task.Status == agents.TaskPending {
			task.Status = agents.TaskCompleted
			if task.Context == nil {
				task.Context = make(map[string]any)
			}
			task.Context["skipped"] = true
			if err := p.persistLocked(); err != nil {
				return proto.Fail(err.Error())
			}
			return proto.OK(fmt.Sprintf("Task %s skipped", task.ID)).
				Set("task_id", task.ID).
				WithNextStep("moving to next task in sprint")
		}
	}
	return proto.Fail("no blocked task to skip")
}

// handleFeedback records sprint feedback and closes the sprint.
func (o *Orchestrator) handleFeedback(_ context.Context, p *Project, cmd proto.Command) proto.Result {
	description := cmd.Params.String("description")

	data, err := p.Storage.LoadProjectData()
	if err != nil {
		return proto.Fail(err.Error())
	}
	if err := data.CompleteSprint(); err != nil {
		return proto.Fail(err.Error())
	}
	if err := p.Storage.SaveProjectData(data); err != nil {
		return proto.Fail(err.Error())
	}

	p.mu.Lock()
	p.ActiveTasks = p.ActiveTasks[:0]
	p.mu.Unlock()

	return proto.OK(fmt.Sprintf("Sprint feedback recorded: %s", description)).
		WithNextStep("sprint complete - ready for the next epic")
}

// handleState returns introspection: current state, allowed commands,
// and the lifecycle diagram.
func (o *Orchestrator) handleState(_ context.Context, p *Project, _ proto.Command) proto.Result {
	p.mu.Lock()
	activeTasks := len(p.ActiveTasks)
	pendingApprovals := len(p.PendingApprovals)
	p.mu.Unlock()

	return proto.OK("state info").
		WithState(p.Scrum.Current().String()).
		WithAllowed(p.Scrum.AllowedCommands()).
		Set("project", map[string]any{
			"name":              p.Name,
			"orchestration":     p.Policy,
			"active_tasks":      activeTasks,
			"pending_approvals": pendingApprovals,
		}).
		Set("mermaid_diagram", scrum.MermaidDiagram())
}
