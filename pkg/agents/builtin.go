package agents

import (
	"context"
	"fmt"
	"time"

	"agentflow/pkg/logx"
	"agentflow/pkg/tdd"
)

// baseAgent carries the shared plumbing of the built-in agents.
type baseAgent struct {
	name         string
	capabilities map[string]bool
	logger       *logx.Logger
}

func (b *baseAgent) Name() string { return b.name }

func (b *baseAgent) Capabilities() map[string]bool {
	out := make(map[string]bool, len(b.capabilities))
	for k, v := range b.capabilities {
		out[k] = v
	}
	return out
}

func (b *baseAgent) run(ctx context.Context, task *Task, dryRun bool, describe func(*Task) string) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s cancelled: %w", task.ID, ctx.Err())
	default:
	}

	start := time.Now()
	output := describe(task)
	b.logger.Debug("%s handled task %s (dry_run=%v)", b.name, task.ID, dryRun)
	return &Result{
		OK:            true,
		Output:        output,
		Quarantined:   dryRun,
		ExecutionTime: time.Since(start),
	}, nil
}

// DesignAgent decomposes epics and produces specifications.
type DesignAgent struct {
	baseAgent
}

// NewDesignAgent returns the built-in design agent.
func NewDesignAgent() *DesignAgent {
	return &DesignAgent{baseAgent{
		name: TypeDesign,
		capabilities: map[string]bool{
			CapDesignDecomposition: true,
			CapTDDSpecification:    true,
		},
		logger: logx.NewLogger("design-agent"),
	}}
}

// Run executes a design task.
func (a *DesignAgent) Run(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	return a.run(ctx, task, dryRun, func(t *Task) string {
		return fmt.Sprintf("design proposal for: %s", t.Command)
	})
}

// ExecuteTDDPhase produces the design-phase specification.
func (a *DesignAgent) ExecuteTDDPhase(ctx context.Context, state tdd.State, phaseContext map[string]any) (*Result, error) {
	if state != tdd.StateDesign {
		return nil, fmt.Errorf("%s does not handle TDD state %s", a.name, state)
	}
	task := NewTask(a.name, "produce detailed specification", phaseContext)
	return a.Run(ctx, task, false)
}

// QAAgent writes failing tests and validates suites.
type QAAgent struct {
	baseAgent
}

// NewQAAgent returns the built-in QA agent.
func NewQAAgent() *QAAgent {
	return &QAAgent{baseAgent{
		name: TypeQA,
		capabilities: map[string]bool{
			CapTDDSpecification: true,
			CapDataQuality:      true,
		},
		logger: logx.NewLogger("qa-agent"),
	}}
}

// Run executes a QA task.
func (a *QAAgent) Run(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	return a.run(ctx, task, dryRun, func(t *Task) string {
		return fmt.Sprintf("failing tests drafted for: %s", t.Command)
	})
}

// ExecuteTDDPhase writes the red tests for the phase.
func (a *QAAgent) ExecuteTDDPhase(ctx context.Context, state tdd.State, phaseContext map[string]any) (*Result, error) {
	if state != tdd.StateTestRed {
		return nil, fmt.Errorf("%s does not handle TDD state %s", a.name, state)
	}
	task := NewTask(a.name, "write failing tests", phaseContext)
	return a.Run(ctx, task, false)
}

// CodeAgent implements features and refactors.
type CodeAgent struct {
	baseAgent
}

// NewCodeAgent returns the built-in code agent.
func NewCodeAgent() *CodeAgent {
	return &CodeAgent{baseAgent{
		name: TypeCode,
		capabilities: map[string]bool{
			CapFeatureImplementation: true,
		},
		logger: logx.NewLogger("code-agent"),
	}}
}

// Run executes an implementation task.
func (a *CodeAgent) Run(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	return a.run(ctx, task, dryRun, func(t *Task) string {
		return fmt.Sprintf("implementation for: %s", t.Command)
	})
}

// ExecuteTDDPhase handles the green, refactor, and commit phases.
func (a *CodeAgent) ExecuteTDDPhase(ctx context.Context, state tdd.State, phaseContext map[string]any) (*Result, error) {
	switch state {
	case tdd.StateCodeGreen, tdd.StateRefactor, tdd.StateCommit:
		task := NewTask(a.name, fmt.Sprintf("continue TDD cycle in %s", state), phaseContext)
		return a.Run(ctx, task, false)
	default:
		return nil, fmt.Errorf("%s does not handle TDD state %s", a.name, state)
	}
}

// DataAgent validates data quality and pipelines. It is reentrant:
// its checks are read-only.
type DataAgent struct {
	baseAgent
}

// NewDataAgent returns the built-in data agent.
func NewDataAgent() *DataAgent {
	return &DataAgent{baseAgent{
		name: TypeData,
		capabilities: map[string]bool{
			CapDataQuality: true,
			CapReentrant:   true,
		},
		logger: logx.NewLogger("data-agent"),
	}}
}

// Run executes a data-quality task.
func (a *DataAgent) Run(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	return a.run(ctx, task, dryRun, func(t *Task) string {
		return fmt.Sprintf("data quality report for: %s", t.Command)
	})
}

// ExecuteTDDPhase is not applicable to the data agent.
func (a *DataAgent) ExecuteTDDPhase(_ context.Context, state tdd.State, _ map[string]any) (*Result, error) {
	return nil, fmt.Errorf("%s does not participate in TDD phases (%s requested)", a.name, state)
}
