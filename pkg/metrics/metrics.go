// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // prometheus collectors are process-wide by design
var (
	// CommandsHandled counts commands by kind and outcome.
	CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_commands_total",
		Help: "Commands handled, labeled by kind and outcome.",
	}, []string{"kind", "outcome"})

	// TasksDispatched counts agent task dispatches by agent type and policy.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_tasks_dispatched_total",
		Help: "Agent tasks dispatched, labeled by agent type and policy.",
	}, []string{"agent_type", "policy"})

	// TaskDuration observes agent task execution time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentflow_task_duration_seconds",
		Help:    "Agent task execution duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_type"})

	// BackgroundQueueDepth tracks queued background tasks per queue.
	BackgroundQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentflow_background_queue_depth",
		Help: "Background tasks waiting per queue.",
	}, []string{"queue"})

	// BackgroundTasks counts background task completions by type and status.
	BackgroundTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_background_tasks_total",
		Help: "Background task terminal states, labeled by type and status.",
	}, []string{"type", "status"})

	// FilterCacheEvents counts context-filter cache hits and misses.
	FilterCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_filter_cache_events_total",
		Help: "Context filter cache hits and misses.",
	}, []string{"event"})

	// IndexBuildDuration observes full index build time.
	IndexBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflow_index_build_duration_seconds",
		Help:    "Context index build duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)
