package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentflow/pkg/logx"
)

// Registry holds the shared, read-only agent capability objects and
// serializes access to non-reentrant agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	// locks serializes task execution per non-reentrant agent.
	locks  map[string]*sync.Mutex
	logger *logx.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		locks:  make(map[string]*sync.Mutex),
		logger: logx.NewLogger("agents"),
	}
}

// Register adds an agent under its name. A later registration under the
// same name replaces the earlier one.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
	if _, ok := r.locks[a.Name()]; !ok {
		r.locks[a.Name()] = &sync.Mutex{}
	}
	r.logger.Info("registered agent: %s", a.Name())
}

// Get returns the agent with the given name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names in deterministic order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterDefaults registers the built-in specialized agents.
func (r *Registry) RegisterDefaults() {
	r.Register(NewDesignAgent())
	r.Register(NewQAAgent())
	r.Register(NewCodeAgent())
	r.Register(NewDataAgent())
}

// Execute runs a task on its agent, serializing non-reentrant agents
// and honoring the task's timeout. The returned result always reflects
// the final outcome; errors are reserved for missing agents.
func (r *Registry) Execute(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	agent, ok := r.Get(task.AgentType)
	if !ok {
		return nil, fmt.Errorf("agent not available: %s (have %v)", task.AgentType, r.Names())
	}

	if !agent.Capabilities()[CapReentrant] {
		r.mu.RLock()
		lock := r.locks[task.AgentType]
		r.mu.RUnlock()
		lock.Lock()
		defer lock.Unlock()
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := agent.Run(runCtx, task, dryRun)
	elapsed := time.Since(start)

	if err != nil {
		kind := FailureAgent
		if runCtx.Err() == context.DeadlineExceeded {
			kind = FailureTimeout
		}
		return &Result{
			OK:            false,
			Error:         err.Error(),
			FailureKind:   kind,
			ExecutionTime: elapsed,
		}, nil
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = elapsed
	}
	result.Quarantined = dryRun
	return result, nil
}
