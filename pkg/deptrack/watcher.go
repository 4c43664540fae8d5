package deptrack

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"agentflow/pkg/config"
	"agentflow/pkg/index"
	"agentflow/pkg/logx"
)

// UpdateHandler receives one coalesced change wave for a source file.
type UpdateHandler func(source string, related RelatedFiles, proposals []UpdateProposal)

// Watcher feeds filesystem events through a per-path debounce window
// into the tracker, so rapid editor saves produce exactly one update
// wave per file.
type Watcher struct {
	tracker *Tracker
	cfg     config.WatcherConfig
	logger  *logx.Logger

	fsw *fsnotify.Watcher
	sem *semaphore.Weighted

	mu       sync.Mutex
	handlers []UpdateHandler
	pending  map[string]*time.Timer
	running  bool

	wg sync.WaitGroup
}

// NewWatcher creates a watcher over the tracker's root.
func NewWatcher(tracker *Tracker, cfg config.WatcherConfig) *Watcher {
	return &Watcher{
		tracker: tracker,
		cfg:     cfg,
		logger:  logx.NewLogger("dep-watcher"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pending: make(map[string]*time.Timer),
	}
}

// AddHandler registers a callback for coalesced change waves.
func (w *Watcher) AddHandler(h UpdateHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching every directory under the tracker root.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	w.fsw = fsw

	err = filepath.WalkDir(w.tracker.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil || !entry.IsDir() {
			return walkErr //nolint:wrapcheck // WalkDir callback contract
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != w.tracker.root {
			return filepath.SkipDir
		}
		switch base {
		case "__pycache__", "node_modules", "vendor", "venv", "build", "dist", "target":
			return filepath.SkipDir
		}
		return fsw.Add(path) //nolint:wrapcheck // collected by WalkDir
	})
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch project tree: %w", err)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watching %s (debounce %.1fs, max concurrent %d)",
		w.tracker.root, w.cfg.DebounceSeconds, w.cfg.MaxConcurrent)
	return nil
}

// Stop halts event processing and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.observe(ctx, event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

// observe coalesces events for one path within the debounce window.
func (w *Watcher) observe(ctx context.Context, absPath string) {
	rel, err := filepath.Rel(w.tracker.root, absPath)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") {
		return
	}
	if fileType := index.DetectFileType(rel); fileType == index.FileTypeOther {
		return
	}

	debounce := time.Duration(w.cfg.DebounceSeconds * float64(time.Second))

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[rel]; ok {
		// A save within the window restarts it; one wave per burst.
		timer.Reset(debounce)
		return
	}
	w.pending[rel] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		w.dispatch(ctx, rel)
	})
}

// dispatch rescans and notifies handlers under the concurrency bound.
func (w *Watcher) dispatch(ctx context.Context, rel string) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	if _, err := w.tracker.Scan(ctx); err != nil {
		w.logger.Warn("rescan after change to %s failed: %v", rel, err)
		return
	}
	related := w.tracker.FindRelatedFiles(rel)
	proposals := w.tracker.Proposals(rel)

	logx.Debugd("deptrack", "change wave for %s: %d proposals", rel, len(proposals))
	w.mu.Lock()
	handlers := append([]UpdateHandler{}, w.handlers...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(rel, related, proposals)
	}
}
