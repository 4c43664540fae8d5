// Package orchestrator is the engine's front door: it routes commands
// through the Scrum and TDD state machines, applies the project's
// orchestration policy to agent work, persists progress, and runs the
// reconciliation loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentflow/pkg/agents"
	"agentflow/pkg/background"
	"agentflow/pkg/config"
	"agentflow/pkg/logx"
	"agentflow/pkg/metrics"
	"agentflow/pkg/proto"
	"agentflow/pkg/scrum"
	"agentflow/pkg/storage"
	"agentflow/pkg/tdd"
)

// Engine limits.
const (
	// MaxConcurrentCycles bounds non-terminal TDD cycles per project.
	MaxConcurrentCycles = 3
	// MaxTaskRetries bounds failure-recovery retries before escalation.
	MaxTaskRetries = 3
	// ReconcileInterval is the background reconciliation cadence.
	ReconcileInterval = 5 * time.Second
	// DefaultShutdownGrace bounds the wait for in-flight work on stop.
	DefaultShutdownGrace = 10 * time.Second
)

// Orchestrator coordinates every managed project.
type Orchestrator struct {
	cfg       *config.Config
	registry  *agents.Registry
	scheduler *background.Scheduler
	logger    *logx.Logger

	mu       sync.Mutex
	projects map[string]*Project
	// approvals is append-by-orchestrator, consume-by-operator.
	approvals []*ApprovalRequest
	running   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// handler executes one command body against a project.
type handler func(ctx context.Context, p *Project, cmd proto.Command) proto.Result

// New builds the orchestrator and restores persisted project state.
func New(cfg *config.Config, registry *agents.Registry, scheduler *background.Scheduler) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		logger:    logx.NewLogger("orchestrator"),
		projects:  make(map[string]*Project),
	}

	for i := range cfg.Projects {
		pc := &cfg.Projects[i]
		store, err := storage.NewProjectStorage(pc.Path)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", pc.Name, err)
		}
		project := &Project{
			Name:    pc.Name,
			Path:    pc.Path,
			Policy:  pc.Orchestration,
			Scrum:   scrum.NewFSM(),
			TDD:     tdd.NewFSM(),
			Storage: store,
		}
		snap, err := store.LoadSnapshot()
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", pc.Name, err)
		}
		if snap != nil {
			project.restore(snap)
			o.logger.Info("restored project %s in state %s", pc.Name, project.Scrum.Current())
		}
		o.projects[pc.Name] = project
	}
	return o, nil
}

// Project returns a managed project by name.
func (o *Orchestrator) Project(name string) (*Project, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[name]
	return p, ok
}

// ProjectNames returns the managed project names in order.
func (o *Orchestrator) ProjectNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.projects))
	for name := range o.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commandHandlers is the exhaustive dispatch table over command kinds.
func (o *Orchestrator) commandHandlers() map[proto.CommandKind]handler {
	return map[proto.CommandKind]handler{
		proto.CmdEpic:              o.handleEpic,
		proto.CmdBacklogView:       o.handleBacklogView,
		proto.CmdBacklogAddStory:   o.handleBacklogAddStory,
		proto.CmdBacklogPrioritize: o.handleBacklogPrioritize,
		proto.CmdSprintPlan:        o.handleSprintPlan,
		proto.CmdSprintStart:       o.handleSprintStart,
		proto.CmdSprintStatus:      o.handleSprintStatus,
		proto.CmdSprintPause:       o.handleSprintPause,
		proto.CmdSprintResume:      o.handleSprintResume,
		proto.CmdApprove:           o.handleApprove,
		proto.CmdRequestChanges:    o.handleRequestChanges,
		proto.CmdSuggestFix:        o.handleSuggestFix,
		proto.CmdSkipTask:          o.handleSkipTask,
		proto.CmdFeedback:          o.handleFeedback,
		proto.CmdState:             o.handleState,
		proto.CmdTDDStart:          o.handleTDDStart,
		proto.CmdTDDStatus:         o.handleTDDStatus,
		proto.CmdTDDLogs:           o.handleTDDLogs,
		proto.CmdTDDOverview:       o.handleTDDOverview,
		proto.CmdTDDAbort:          o.handleTDDAbort,
		proto.CmdTDDNext:           o.handleTDDTransition,
		proto.CmdTDDDesign:         o.handleTDDTransition,
		proto.CmdTDDTest:           o.handleTDDTransition,
		proto.CmdTDDCode:           o.handleTDDTransition,
		proto.CmdTDDRefactor:       o.handleTDDTransition,
		proto.CmdTDDCommit:         o.handleTDDTransition,
		proto.CmdTDDRunTests:       o.handleTDDTransition,
	}
}

// HandleCommand parses, validates, executes, and persists one command
// against the named project. Results are never errors; failures ride
// the result envelope.
func (o *Orchestrator) HandleCommand(ctx context.Context, raw, projectName string, params proto.Params) proto.Result {
	project, ok := o.Project(projectName)
	if !ok {
		return proto.Fail(fmt.Sprintf("project not found: %s", projectName)).
			Set("available_projects", o.ProjectNames())
	}

	cmd, err := proto.Parse(raw, params)
	if err != nil {
		metrics.CommandsHandled.WithLabelValues("unknown", "rejected").Inc()
		return proto.Fail(err.Error()).WithHint("see /state for available commands")
	}

	// TDD and introspection commands bypass Scrum validation.
	var newState scrum.State
	if !cmd.Kind.IsTDD() && !cmd.Kind.IsIntrospection() {
		validation := project.Scrum.Validate(cmd.Kind)
		if !validation.OK {
			metrics.CommandsHandled.WithLabelValues(cmd.Kind.String(), "rejected").Inc()
			return proto.Fail(validation.Error).
				WithHint(validation.Hint).
				WithState(project.Scrum.Current().String()).
				WithAllowed(validation.Allowed)
		}
		newState = validation.NewState
	}

	result := o.commandHandlers()[cmd.Kind](ctx, project, cmd)

	if result.OK && newState != "" {
		project.Scrum.ForceState(newState)
		if err := project.persist(); err != nil {
			// Persistence failure blocks the project; mutation halts.
			project.Scrum.ForceState(scrum.StateBlocked)
			metrics.CommandsHandled.WithLabelValues(cmd.Kind.String(), "error").Inc()
			return proto.Fail(fmt.Sprintf("failed to persist project state: %v", err)).
				WithState(scrum.StateBlocked.String())
		}
		result = result.WithState(newState.String())
	} else if result.CurrentState == "" {
		result = result.WithState(project.Scrum.Current().String())
	}

	outcome := "ok"
	if !result.OK {
		outcome = "failed"
	}
	metrics.CommandsHandled.WithLabelValues(cmd.Kind.String(), outcome).Inc()
	return result
}

// Start launches the reconciliation loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.reconcileLoop(ctx)
	o.logger.Info("orchestrator started (%d projects)", len(o.projects))
}

// Shutdown stops the reconciler, waits up to grace for in-flight work,
// then aborts remaining running tasks with the shutdown failure kind.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	projects := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		projects = append(projects, p)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("shutdown grace period expired, aborting in-flight work")
	}

	for _, p := range projects {
		p.mu.Lock()
		for _, task := range p.ActiveTasks {
			if task.Status == agents.TaskRunning {
				task.Status = agents.TaskFailed
				if task.Context == nil {
					task.Context = make(map[string]any)
				}
				task.Context["failure_kind"] = string(agents.FailureShutdown)
			}
		}
		if err := p.persistLocked(); err != nil {
			o.logger.Error("failed to persist %s during shutdown: %v", p.Name, err)
		}
		p.mu.Unlock()
	}
	o.logger.Info("orchestrator stopped")
}

// reconcileLoop scans every project on a fixed cadence: it dispatches
// pending work, advances auto-progressable states, and persists on
// change.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a single reconciliation pass over every project.
func (o *Orchestrator) ReconcileOnce(ctx context.Context) {
	o.mu.Lock()
	projects := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		projects = append(projects, p)
	}
	o.mu.Unlock()

	for _, p := range projects {
		o.reconcileProject(ctx, p)
	}
	o.expireApprovals()
}

func (o *Orchestrator) reconcileProject(ctx context.Context, p *Project) {
	if !p.Scrum.CanAutoProgress() {
		return
	}

	// Dispatch pending unblocked tasks under the project policy.
	p.mu.Lock()
	var pending []*agents.Task
	approvalGated := make(map[string]bool, len(p.PendingApprovals))
	for _, id := range p.PendingApprovals {
		approvalGated[id] = true
	}
	for _, task := range p.ActiveTasks {
		if task.Status == agents.TaskPending && !approvalGated[task.ID] {
			pending = append(pending, task)
		}
	}
	p.mu.Unlock()

	for _, task := range pending {
		o.runTask(ctx, p, task)
	}

	// An active sprint with every task completed advances to review.
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ActiveTasks) == 0 {
		return
	}
	for _, task := range p.ActiveTasks {
		if task.Status != agents.TaskCompleted {
			return
		}
	}
	p.Scrum.ForceState(scrum.StateSprintReview)
	o.logger.Info("project %s advanced to %s", p.Name, scrum.StateSprintReview)
	if err := p.persistLocked(); err != nil {
		o.logger.Error("failed to persist %s after auto-progress: %v", p.Name, err)
	}
}

// expireApprovals logs approval items pending for over a day. It does
// not remove them from the queue.
func (o *Orchestrator) expireApprovals() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, req := range o.approvals {
		if time.Since(req.CreatedAt) > 24*time.Hour {
			logx.Debugd("orchestrator", "approval %s pending for over a day", req.ID)
		}
	}
}

// PendingApprovalCount returns the global approval queue length.
func (o *Orchestrator) PendingApprovalCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.approvals)
}

// ApprovalByID returns a queued approval request.
func (o *Orchestrator) ApprovalByID(id string) (*ApprovalRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, req := range o.approvals {
		if req.ID == id {
			return req, true
		}
	}
	return nil, false
}

// submitBackground submits a best-effort background task; resource
// exhaustion is surfaced in logs, never silently dropped.
func (o *Orchestrator) submitBackground(taskType string, priority background.Priority, metadata map[string]any) {
	if o.scheduler == nil {
		return
	}
	if _, err := o.scheduler.Submit(taskType, priority, nil, metadata); err != nil {
		if errors.Is(err, background.ErrQueueFull) {
			o.logger.Warn("background queue full, dropping %s request", taskType)
			return
		}
		o.logger.Warn("background submit %s failed: %v", taskType, err)
	}
}
