package background

import (
	"context"
	"fmt"
)

// Built-in task type tags.
const (
	TaskIndexUpdate          = "index_update"
	TaskFileIndexing         = "file_indexing"
	TaskCacheWarming         = "cache_warming"
	TaskPatternDiscovery     = "pattern_discovery"
	TaskLearningOptimization = "learning_optimization"
	TaskCacheCleanup         = "cache_cleanup"
	TaskDependencyAnalysis   = "dependency_analysis"
	TaskPerformanceAnalysis  = "performance_analysis"
	TaskMaintenance          = "maintenance"
)

// IndexUpdater is the index surface the scheduler drives. Defined here
// so the scheduler stays decoupled from the index's store.
type IndexUpdater interface {
	Build(ctx context.Context, force bool) (int, error)
	IndexFile(ctx context.Context, path string) error
}

// CacheWarmer pre-populates filter caches for an agent's likely files.
type CacheWarmer interface {
	WarmCache(ctx context.Context, agentType, storyID string) (int, error)
	CleanupCaches(ctx context.Context) (int, error)
}

// PatternLearner discovers and optimizes cross-request usage patterns.
type PatternLearner interface {
	DiscoverPatterns(ctx context.Context) (int, error)
	OptimizeLearning(ctx context.Context) error
}

// DependencyAnalyzer rescans the file dependency graph.
type DependencyAnalyzer interface {
	Rescan(ctx context.Context) (int, error)
}

// Deps carries the optional component references the default handlers
// drive. A nil field turns its handlers into counted no-ops.
type Deps struct {
	Index    IndexUpdater
	Warmer   CacheWarmer
	Learner  PatternLearner
	Analyzer DependencyAnalyzer
}

// RegisterDefaultHandlers wires the built-in task types to the given
// component references.
//
//nolint:cyclop // one closure per task type; splitting would obscure the registry
func (s *Scheduler) RegisterDefaultHandlers(deps Deps) {
	s.RegisterHandler(TaskIndexUpdate, func(ctx context.Context, task *Task) (any, error) {
		if deps.Index == nil {
			return "no index configured", nil
		}
		task.Progress = 0.1
		count, err := deps.Index.Build(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("index update failed: %w", err)
		}
		return map[string]any{"files_indexed": count}, nil
	})

	s.RegisterHandler(TaskFileIndexing, func(ctx context.Context, task *Task) (any, error) {
		if deps.Index == nil {
			return "no index configured", nil
		}
		path, _ := task.Metadata["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file_indexing requires a path")
		}
		if err := deps.Index.IndexFile(ctx, path); err != nil {
			return nil, fmt.Errorf("file indexing failed: %w", err)
		}
		return map[string]any{"path": path}, nil
	})

	s.RegisterHandler(TaskCacheWarming, func(ctx context.Context, task *Task) (any, error) {
		if deps.Warmer == nil {
			return "no filter configured", nil
		}
		agentType, _ := task.Metadata["agent_type"].(string)
		storyID, _ := task.Metadata["story_id"].(string)
		warmed, err := deps.Warmer.WarmCache(ctx, agentType, storyID)
		if err != nil {
			return nil, fmt.Errorf("cache warming failed: %w", err)
		}
		return map[string]any{"entries_warmed": warmed}, nil
	})

	s.RegisterHandler(TaskCacheCleanup, func(ctx context.Context, _ *Task) (any, error) {
		if deps.Warmer == nil {
			return "no filter configured", nil
		}
		removed, err := deps.Warmer.CleanupCaches(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache cleanup failed: %w", err)
		}
		return map[string]any{"entries_removed": removed}, nil
	})

	s.RegisterHandler(TaskPatternDiscovery, func(ctx context.Context, _ *Task) (any, error) {
		if deps.Learner == nil {
			return "no learning system configured", nil
		}
		found, err := deps.Learner.DiscoverPatterns(ctx)
		if err != nil {
			return nil, fmt.Errorf("pattern discovery failed: %w", err)
		}
		return map[string]any{"patterns_found": found}, nil
	})

	s.RegisterHandler(TaskLearningOptimization, func(ctx context.Context, _ *Task) (any, error) {
		if deps.Learner == nil {
			return "no learning system configured", nil
		}
		if err := deps.Learner.OptimizeLearning(ctx); err != nil {
			return nil, fmt.Errorf("learning optimization failed: %w", err)
		}
		return "optimized", nil
	})

	s.RegisterHandler(TaskDependencyAnalysis, func(ctx context.Context, _ *Task) (any, error) {
		if deps.Analyzer == nil {
			return "no tracker configured", nil
		}
		edges, err := deps.Analyzer.Rescan(ctx)
		if err != nil {
			return nil, fmt.Errorf("dependency analysis failed: %w", err)
		}
		return map[string]any{"edges": edges}, nil
	})

	s.RegisterHandler(TaskPerformanceAnalysis, func(_ context.Context, _ *Task) (any, error) {
		stats := s.Statistics()
		return map[string]any{
			"success_rate":          stats.SuccessRate,
			"warming_effectiveness": stats.WarmingEffectiveness,
		}, nil
	})

	s.RegisterHandler(TaskMaintenance, func(ctx context.Context, task *Task) (any, error) {
		// Maintenance chains the cheap periodic work.
		steps := 0
		if deps.Warmer != nil {
			if _, err := deps.Warmer.CleanupCaches(ctx); err != nil {
				return nil, fmt.Errorf("maintenance cleanup failed: %w", err)
			}
			steps++
		}
		task.Progress = 0.5
		if task.Cancelled() {
			return map[string]any{"steps": steps, "aborted": true}, nil
		}
		if deps.Index != nil {
			if _, err := deps.Index.Build(ctx, false); err != nil {
				return nil, fmt.Errorf("maintenance index refresh failed: %w", err)
			}
			steps++
		}
		return map[string]any{"steps": steps}, nil
	})
}
