// Package agents defines the capability contract shared by all
// specialized agents and the built-in agent implementations.
//
// Agents are external collaborators from the engine's point of view:
// the orchestrator only depends on the Agent interface and the
// capability tags an implementation advertises.
package agents

import (
	"context"
	"time"

	"agentflow/pkg/tdd"
	"agentflow/pkg/utils"
)

// TaskStatus is the lifecycle status of an agent task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Capability tags agents may advertise.
const (
	CapFeatureImplementation = "feature_implementation"
	CapTDDSpecification      = "tdd_specification"
	CapDataQuality           = "data_quality"
	CapDesignDecomposition   = "design_decomposition"
	// CapReentrant declares the agent safe to run two tasks concurrently.
	CapReentrant = "reentrant"
)

// FailureKind classifies agent execution failures for the orchestrator's
// recovery table.
type FailureKind string

const (
	FailureTest    FailureKind = "test_failure"
	FailureBuild   FailureKind = "build_failure"
	FailureTimeout FailureKind = "timeout"
	FailureAgent   FailureKind = "agent_error"
	// FailureShutdown marks tasks aborted during orchestrator shutdown.
	FailureShutdown FailureKind = "shutdown"
)

// Task is one unit of agent work.
type Task struct {
	ID         string         `json:"id"`
	AgentType  string         `json:"agent_type"`
	Command    string         `json:"command"`
	Context    map[string]any `json:"context,omitempty"`
	Status     TaskStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// NewTask creates a pending task with a generated id.
func NewTask(agentType, command string, taskContext map[string]any) *Task {
	return &Task{
		ID:        utils.NewID("task"),
		AgentType: agentType,
		Command:   command,
		Context:   taskContext,
		Status:    TaskPending,
	}
}

// Result is the outcome of one agent invocation.
type Result struct {
	OK          bool              `json:"ok"`
	Output      string            `json:"output"`
	Error       string            `json:"error,omitempty"`
	FailureKind FailureKind       `json:"failure_kind,omitempty"`
	// Artifacts maps relative file paths to produced content. Under the
	// partial policy they stay quarantined in this map and are never
	// written to disk by the orchestrator.
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	Quarantined   bool              `json:"quarantined,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time"`
}

// Agent is the capability set every specialized agent implements.
// Implementations are single-threaded with respect to one task unless
// they advertise CapReentrant.
type Agent interface {
	// Name returns the agent type identifier, e.g. "CodeAgent".
	Name() string
	// Capabilities returns the advertised capability tags.
	Capabilities() map[string]bool
	// Run executes one task. With dryRun the agent must not touch the
	// filesystem; outputs stay in the result's artifact map.
	Run(ctx context.Context, task *Task, dryRun bool) (*Result, error)
	// ExecuteTDDPhase performs the work of one TDD state.
	ExecuteTDDPhase(ctx context.Context, state tdd.State, phaseContext map[string]any) (*Result, error)
}

// Agent type names.
const (
	TypeDesign = "DesignAgent"
	TypeQA     = "QAAgent"
	TypeCode   = "CodeAgent"
	TypeData   = "DataAgent"
)

// tddStateAgents maps each TDD state to its preferred agent type.
//
//nolint:gochecknoglobals // static hand-off table
var tddStateAgents = map[tdd.State]string{
	tdd.StateDesign:    TypeDesign,
	tdd.StateTestRed:   TypeQA,
	tdd.StateCodeGreen: TypeCode,
	tdd.StateRefactor:  TypeCode,
	tdd.StateCommit:    TypeCode,
}

// AgentForTDDState returns the agent type that handles the given state.
func AgentForTDDState(s tdd.State) string {
	return tddStateAgents[s]
}
