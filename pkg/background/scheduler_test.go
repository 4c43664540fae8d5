package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/config"
)

func testConfig(workers int) config.SchedulerConfig {
	return config.SchedulerConfig{MaxWorkers: workers, QueueSize: 10, HistorySize: 5}
}

func waitForTerminal(t *testing.T, s *Scheduler, taskID string) *Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state", taskID)
		case <-time.After(10 * time.Millisecond):
		}
		task, ok := s.GetTaskStatus(taskID)
		require.True(t, ok, "task %s disappeared", taskID)
		if task.IsTerminal() {
			return task
		}
	}
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	s := NewScheduler(testConfig(1))
	_, err := s.Submit("bogus", PriorityLow, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := config.SchedulerConfig{MaxWorkers: 1, QueueSize: 2, HistorySize: 5}
	s := NewScheduler(cfg)
	s.RegisterHandler("noop", func(context.Context, *Task) (any, error) { return nil, nil })

	_, err := s.Submit("noop", PriorityLow, nil, nil)
	require.NoError(t, err)
	_, err = s.Submit("noop", PriorityLow, nil, nil)
	require.NoError(t, err)
	_, err = s.Submit("noop", PriorityLow, nil, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPriorityOrderingWithSingleWorker(t *testing.T) {
	s := NewScheduler(testConfig(1))

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context, *Task) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	s.RegisterHandler(TaskPatternDiscovery, record("pattern_discovery"))
	s.RegisterHandler(TaskIndexUpdate, record("index_update"))

	// Submit LOW first, then HIGH, before any worker starts.
	lowID, err := s.Submit(TaskPatternDiscovery, PriorityLow, nil, nil)
	require.NoError(t, err)
	highID, err := s.Submit(TaskIndexUpdate, PriorityHigh, nil, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	waitForTerminal(t, s, lowID)
	waitForTerminal(t, s, highID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"index_update", "pattern_discovery"}, order)
}

func TestScheduledTaskRunsOnlyWhenDue(t *testing.T) {
	s := NewScheduler(testConfig(1))
	ran := make(chan time.Time, 1)
	s.RegisterHandler("timed", func(context.Context, *Task) (any, error) {
		ran <- time.Now()
		return nil, nil
	})

	due := time.Now().UTC().Add(300 * time.Millisecond)
	id, err := s.Submit("timed", PriorityHigh, &due, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	select {
	case at := <-ran:
		assert.False(t, at.Before(due.Add(-50*time.Millisecond)),
			"task ran at %v, before its %v slot", at, due)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task never ran")
	}
	waitForTerminal(t, s, id)
}

func TestOverdueDetection(t *testing.T) {
	s := NewScheduler(testConfig(1))
	s.RegisterHandler("late", func(context.Context, *Task) (any, error) { return nil, nil })

	past := time.Now().UTC().Add(-time.Minute)
	_, err := s.Submit("late", PriorityLow, &past, nil)
	require.NoError(t, err)

	// Not started: the task is pending past its slot.
	overdue := s.OverdueTasks()
	require.Len(t, overdue, 1)
	assert.True(t, overdue[0].IsOverdue(time.Now().UTC()))
}

func TestCancelPendingTask(t *testing.T) {
	s := NewScheduler(testConfig(1))
	s.RegisterHandler("noop", func(context.Context, *Task) (any, error) { return nil, nil })

	id, err := s.Submit("noop", PriorityLow, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))

	task, ok := s.GetTaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, task.Status)
	require.NotNil(t, task.CompletedAt)

	// Cancel is not idempotent: the task is no longer pending.
	assert.Error(t, s.Cancel(id))
	assert.Error(t, s.Cancel("bg-missing"))
}

func TestRetryThenPermanentFailure(t *testing.T) {
	s := NewScheduler(testConfig(1))
	var mu sync.Mutex
	attempts := 0
	s.RegisterHandler("flaky", func(context.Context, *Task) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("boom")
	})

	id, err := s.Submit("flaky", PriorityHigh, nil, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	task := waitForTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.RetryCount)
	mu.Lock()
	assert.Equal(t, DefaultMaxRetries, attempts)
	mu.Unlock()
	assert.Contains(t, task.Err, "boom")
}

func TestTimestampOrderingOnCompletion(t *testing.T) {
	s := NewScheduler(testConfig(2))
	s.RegisterHandler("noop", func(context.Context, *Task) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	})

	id, err := s.Submit("noop", PriorityMedium, nil, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	task := waitForTerminal(t, s, id)
	require.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.StartedAt.Before(task.CreatedAt))
	assert.False(t, task.CompletedAt.Before(*task.StartedAt))
	assert.InDelta(t, 1.0, task.Progress, 1e-9)
	assert.Equal(t, "done", task.Result)
}

func TestStatisticsAndSuccessRate(t *testing.T) {
	s := NewScheduler(testConfig(1))

	// Empty scheduler: success rate is 0, not NaN.
	stats := s.Statistics()
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.WarmingEffectiveness)

	s.RegisterHandler("ok", func(context.Context, *Task) (any, error) { return nil, nil })
	s.RegisterHandler("bad", func(context.Context, *Task) (any, error) { return nil, errors.New("x") })

	okID, _ := s.Submit("ok", PriorityHigh, nil, nil)
	badID, _ := s.Submit("bad", PriorityHigh, nil, nil)

	s.Start(context.Background())
	defer s.Stop()
	waitForTerminal(t, s, okID)
	waitForTerminal(t, s, badID)

	stats = s.Statistics()
	assert.Equal(t, 2, stats.Submitted)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.GreaterOrEqual(t, stats.SuccessRate, 0.0)
	assert.LessOrEqual(t, stats.SuccessRate, 1.0)

	s.RecordCacheHit(true)
	s.RecordCacheHit(false)
	stats = s.Statistics()
	assert.InDelta(t, 0.5, stats.WarmingEffectiveness, 1e-9)
}

func TestHistoryBounded(t *testing.T) {
	cfg := config.SchedulerConfig{MaxWorkers: 1, QueueSize: 100, HistorySize: 3}
	s := NewScheduler(cfg)
	s.RegisterHandler("noop", func(context.Context, *Task) (any, error) { return nil, nil })

	var ids []string
	for range 6 {
		id, err := s.Submit("noop", PriorityLow, nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	s.Start(context.Background())
	defer s.Stop()
	for _, id := range ids[3:] {
		waitForTerminal(t, s, id)
	}

	// Give the last finishes a moment to land in history.
	time.Sleep(50 * time.Millisecond)
	history := s.History()
	assert.LessOrEqual(t, len(history), 3)
}

func TestDefaultHandlersWithNilDeps(t *testing.T) {
	s := NewScheduler(testConfig(1))
	s.RegisterDefaultHandlers(Deps{})

	types := s.HandlerTypes()
	assert.Equal(t, []string{
		TaskCacheCleanup, TaskCacheWarming, TaskDependencyAnalysis,
		TaskFileIndexing, TaskIndexUpdate, TaskLearningOptimization,
		TaskMaintenance, TaskPatternDiscovery, TaskPerformanceAnalysis,
	}, types)

	id, err := s.Submit(TaskCacheWarming, PriorityHigh, nil, nil)
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop()

	task := waitForTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
}
