package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/tdd"
)

func TestAgentForTDDState(t *testing.T) {
	assert.Equal(t, TypeDesign, AgentForTDDState(tdd.StateDesign))
	assert.Equal(t, TypeQA, AgentForTDDState(tdd.StateTestRed))
	assert.Equal(t, TypeCode, AgentForTDDState(tdd.StateCodeGreen))
	assert.Equal(t, TypeCode, AgentForTDDState(tdd.StateRefactor))
	assert.Equal(t, TypeCode, AgentForTDDState(tdd.StateCommit))
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaults()
	assert.Equal(t, []string{TypeCode, TypeData, TypeDesign, TypeQA}, r.Names())

	qa, ok := r.Get(TypeQA)
	require.True(t, ok)
	assert.True(t, qa.Capabilities()[CapTDDSpecification])

	_, ok = r.Get("GhostAgent")
	assert.False(t, ok)
}

func TestExecuteMissingAgent(t *testing.T) {
	r := NewRegistry()
	task := NewTask("GhostAgent", "do nothing", nil)
	_, err := r.Execute(context.Background(), task, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent not available")
}

func TestExecuteDryRunQuarantinesResult(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaults()

	task := NewTask(TypeCode, "implement login", nil)
	result, err := r.Execute(context.Background(), task, true)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Quarantined)

	result, err = r.Execute(context.Background(), task, false)
	require.NoError(t, err)
	assert.False(t, result.Quarantined)
}

// blockingAgent parks in Run until released, to observe serialization.
type blockingAgent struct {
	name      string
	reentrant bool
	release   chan struct{}
	running   int
	maxSeen   int
	mu        sync.Mutex
}

func (b *blockingAgent) Name() string { return b.name }
func (b *blockingAgent) Capabilities() map[string]bool {
	return map[string]bool{CapReentrant: b.reentrant}
}

func (b *blockingAgent) Run(_ context.Context, _ *Task, _ bool) (*Result, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.maxSeen {
		b.maxSeen = b.running
	}
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.running--
	b.mu.Unlock()
	return &Result{OK: true}, nil
}

func (b *blockingAgent) ExecuteTDDPhase(context.Context, tdd.State, map[string]any) (*Result, error) {
	return nil, errors.New("not supported")
}

func TestNonReentrantAgentSerialized(t *testing.T) {
	agent := &blockingAgent{name: "serial", release: make(chan struct{})}
	r := NewRegistry()
	r.Register(agent)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Execute(context.Background(), NewTask("serial", "x", nil), false)
		}()
	}

	// Let the first task enter Run, then release both.
	time.Sleep(50 * time.Millisecond)
	close(agent.release)
	wg.Wait()

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, 1, agent.maxSeen, "non-reentrant agent ran two tasks at once")
}

func TestTimeoutClassifiedAsTimeoutFailure(t *testing.T) {
	agent := &slowAgent{delay: 200 * time.Millisecond}
	r := NewRegistry()
	r.Register(agent)

	task := NewTask("slow", "x", nil)
	task.Timeout = 20 * time.Millisecond
	result, err := r.Execute(context.Background(), task, false)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, FailureTimeout, result.FailureKind)
}

type slowAgent struct {
	delay time.Duration
}

func (s *slowAgent) Name() string                   { return "slow" }
func (s *slowAgent) Capabilities() map[string]bool  { return map[string]bool{} }
func (s *slowAgent) Run(ctx context.Context, _ *Task, _ bool) (*Result, error) {
	select {
	case <-time.After(s.delay):
		return &Result{OK: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowAgent) ExecuteTDDPhase(context.Context, tdd.State, map[string]any) (*Result, error) {
	return nil, errors.New("not supported")
}

func TestTDDPhaseRouting(t *testing.T) {
	design := NewDesignAgent()
	_, err := design.ExecuteTDDPhase(context.Background(), tdd.StateCodeGreen, nil)
	assert.Error(t, err)
	result, err := design.ExecuteTDDPhase(context.Background(), tdd.StateDesign, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)

	code := NewCodeAgent()
	for _, s := range []tdd.State{tdd.StateCodeGreen, tdd.StateRefactor, tdd.StateCommit} {
		result, err := code.ExecuteTDDPhase(context.Background(), s, nil)
		require.NoError(t, err)
		assert.True(t, result.OK)
	}

	data := NewDataAgent()
	_, err = data.ExecuteTDDPhase(context.Background(), tdd.StateDesign, nil)
	assert.Error(t, err)
}
