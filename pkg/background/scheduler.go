package background

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentflow/pkg/config"
	"agentflow/pkg/logx"
	"agentflow/pkg/metrics"
)

// Submission and cancellation errors.
var (
	ErrQueueFull       = errors.New("queue_full")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrNotCancellable  = errors.New("task is not pending")
	ErrNotRunning      = errors.New("scheduler is not running")
)

// notDueBackoff is how long a dequeued not-yet-due task waits before
// re-entering its queue.
const notDueBackoff = 100 * time.Millisecond

// Recurring maintenance cadence.
const (
	maintenanceCronSpec = "@every 1h"
	cleanupCronSpec     = "@every 30m"
)

// Handler executes one background task. It may update task.Progress and
// must poll task.Cancelled() at checkpoints when long-running.
type Handler func(ctx context.Context, task *Task) (any, error)

// Stats is the scheduler's observed-counters snapshot.
type Stats struct {
	Submitted            int     `json:"submitted"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Cancelled            int     `json:"cancelled"`
	Queued               int     `json:"queued"`
	Active               int     `json:"active"`
	SuccessRate          float64 `json:"success_rate"`
	CacheHits            int64   `json:"cache_hits"`
	WarmingHits          int64   `json:"warming_hits"`
	WarmingEffectiveness float64 `json:"warming_effectiveness"`
}

// Scheduler is the supervised worker pool consuming the two queues.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *logx.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	prioQ    priorityHeap // HIGH and CRITICAL
	fifoQ    []*Task      // LOW and MEDIUM
	tasks    map[string]*Task
	history  []*Task
	handlers map[string]Handler
	seq      uint64
	running  bool

	submitted, completed, failed, cancelled int
	cacheHits, warmingHits                  int64

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with the given tuning. Handlers for
// the built-in task types are registered via RegisterDefaultHandlers or
// individually via RegisterHandler before Start.
func NewScheduler(cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		logger:   logx.NewLogger("background"),
		tasks:    make(map[string]*Task),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandler maps a task type to its handler.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

// HandlerTypes returns the registered task types in deterministic order.
func (s *Scheduler) HandlerTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start launches the worker pool and the recurring maintenance cron.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.cron = cron.New()
	//nolint:errcheck // cron specs are compile-time constants
	s.cron.AddFunc(maintenanceCronSpec, func() {
		if _, err := s.Submit("maintenance", PriorityLow, nil, nil); err != nil {
			s.logger.Warn("recurring maintenance submit failed: %v", err)
		}
	})
	//nolint:errcheck // cron specs are compile-time constants
	s.cron.AddFunc(cleanupCronSpec, func() {
		if _, err := s.Submit("cache_cleanup", PriorityLow, nil, nil); err != nil {
			s.logger.Warn("recurring cleanup submit failed: %v", err)
		}
	})
	s.cron.Start()

	s.logger.Info("scheduler started with %d workers", s.cfg.MaxWorkers)
}

// Stop drains workers. RUNNING tasks finish naturally; queued tasks
// stay queued for a future Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit enqueues a task. A future scheduledAt keeps the task pending
// until due. Returns ErrQueueFull when the bounded queues are at
// capacity and ErrUnknownTaskType for unregistered types.
func (s *Scheduler) Submit(taskType string, priority Priority, scheduledAt *time.Time, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[taskType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	if len(s.prioQ)+len(s.fifoQ) >= s.cfg.QueueSize {
		return "", ErrQueueFull
	}

	s.seq++
	task := newTask(taskType, priority, scheduledAt, metadata, s.seq)
	s.tasks[task.ID] = task
	s.submitted++
	s.enqueueLocked(task)
	s.cond.Signal()

	logx.Debugd("background", "submitted %s task %s (%s)", taskType, task.ID, priority)
	return task.ID, nil
}

func (s *Scheduler) enqueueLocked(task *Task) {
	if task.Priority >= PriorityHigh {
		heap.Push(&s.prioQ, task)
	} else {
		s.fifoQ = append(s.fifoQ, task)
	}
	s.publishDepthLocked()
}

func (s *Scheduler) publishDepthLocked() {
	metrics.BackgroundQueueDepth.WithLabelValues("priority").Set(float64(len(s.prioQ)))
	metrics.BackgroundQueueDepth.WithLabelValues("fifo").Set(float64(len(s.fifoQ)))
}

// dequeue pops the next due task: the priority queue drains first.
// A popped not-yet-due task is re-enqueued after a short backoff so
// workers keep making progress on later-queued due work.
func (s *Scheduler) dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if !s.running {
			return nil
		}
		now := time.Now().UTC()

		if task := s.popDueLocked(now); task != nil {
			s.publishDepthLocked()
			return task
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) popDueLocked(now time.Time) *Task {
	if len(s.prioQ) > 0 {
		task := heap.Pop(&s.prioQ).(*Task)
		if task.IsDue(now) {
			return task
		}
		s.deferLocked(task)
	}
	for i, task := range s.fifoQ {
		if task.IsDue(now) {
			s.fifoQ = append(s.fifoQ[:i], s.fifoQ[i+1:]...)
			return task
		}
	}
	return nil
}

// deferLocked parks a not-yet-due task and re-enqueues it shortly.
func (s *Scheduler) deferLocked(task *Task) {
	time.AfterFunc(notDueBackoff, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running || task.Status != StatusPending {
			return
		}
		s.enqueueLocked(task)
		s.cond.Signal()
	})
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task := s.dequeue()
		if task == nil {
			return
		}
		s.runTask(ctx, id, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, workerID int, task *Task) {
	s.mu.Lock()
	if task.Cancelled() {
		// Cancelled while queued but after a racing dequeue.
		s.finishLocked(task, StatusCancelled)
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now
	handler := s.handlers[task.Type]
	s.mu.Unlock()

	logx.Debugd("background", "worker %d running %s task %s", workerID, task.Type, task.ID)
	result, err := handler(ctx, task)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		task.Result = result
		task.Progress = 1.0
		s.finishLocked(task, StatusCompleted)
		return
	}

	task.Err = err.Error()
	task.RetryCount++
	if task.RetryCount < task.MaxRetries {
		s.logger.Warn("task %s (%s) failed, retry %d/%d: %v",
			task.ID, task.Type, task.RetryCount, task.MaxRetries, err)
		task.Status = StatusPending
		task.StartedAt = nil
		s.enqueueLocked(task)
		s.cond.Signal()
		return
	}
	s.logger.Error("task %s (%s) failed permanently: %v", task.ID, task.Type, err)
	s.finishLocked(task, StatusFailed)
}

// finishLocked moves a task to a terminal status and into history.
func (s *Scheduler) finishLocked(task *Task, status Status) {
	now := time.Now().UTC()
	task.Status = status
	task.CompletedAt = &now
	switch status {
	case StatusCompleted:
		s.completed++
	case StatusFailed:
		s.failed++
	case StatusCancelled:
		s.cancelled++
	}
	metrics.BackgroundTasks.WithLabelValues(task.Type, string(status)).Inc()

	delete(s.tasks, task.ID)
	s.history = append(s.history, task)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// Cancel cancels a PENDING task. RUNNING tasks complete naturally.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if task.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, task.Status)
	}

	task.MarkCancelled()
	s.removeFromQueuesLocked(taskID)
	s.finishLocked(task, StatusCancelled)
	return nil
}

func (s *Scheduler) removeFromQueuesLocked(taskID string) {
	for i, task := range s.prioQ {
		if task.ID == taskID {
			heap.Remove(&s.prioQ, i)
			break
		}
	}
	for i, task := range s.fifoQ {
		if task.ID == taskID {
			s.fifoQ = append(s.fifoQ[:i], s.fifoQ[i+1:]...)
			break
		}
	}
	s.publishDepthLocked()
}

// GetTaskStatus returns the task with the given id, live or historical.
func (s *Scheduler) GetTaskStatus(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[taskID]; ok {
		return task, true
	}
	for _, task := range s.history {
		if task.ID == taskID {
			return task, true
		}
	}
	return nil, false
}

// ActiveTasks returns queued and running tasks.
func (s *Scheduler) ActiveTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// History returns terminal tasks, oldest first, bounded by the
// configured history size.
func (s *Scheduler) History() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task{}, s.history...)
}

// OverdueTasks returns pending tasks whose schedule slot has passed.
func (s *Scheduler) OverdueTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []*Task
	for _, task := range s.tasks {
		if task.IsOverdue(now) {
			out = append(out, task)
		}
	}
	return out
}

// RecordCacheHit feeds the warming-effectiveness counters: warmed marks
// hits served from entries placed by cache warming.
func (s *Scheduler) RecordCacheHit(warmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits++
	if warmed {
		s.warmingHits++
	}
}

// Statistics returns the observed-counters snapshot.
func (s *Scheduler) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := len(s.prioQ) + len(s.fifoQ)
	active := 0
	for _, task := range s.tasks {
		if task.Status == StatusRunning {
			active++
		}
	}

	stats := Stats{
		Submitted:   s.submitted,
		Completed:   s.completed,
		Failed:      s.failed,
		Cancelled:   s.cancelled,
		Queued:      queued,
		Active:      active,
		CacheHits:   s.cacheHits,
		WarmingHits: s.warmingHits,
	}
	if finished := s.completed + s.failed; finished > 0 {
		stats.SuccessRate = float64(s.completed) / float64(finished)
	}
	if s.cacheHits > 0 {
		stats.WarmingEffectiveness = float64(s.warmingHits) / float64(s.cacheHits)
	}
	return stats
}
