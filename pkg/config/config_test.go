package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "projects.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Projects, 1)
	assert.Equal(t, "default", cfg.Projects[0].Name)
	assert.Equal(t, ".", cfg.Projects[0].Path)
	assert.Equal(t, PolicyBlocking, cfg.Projects[0].Orchestration)
	assert.Equal(t, DefaultMaxWorkers, cfg.Scheduler.MaxWorkers)
}

func TestLoadParsesProjectsAndTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.yaml")
	content := `
projects:
  - name: webapp
    path: /srv/webapp
    orchestration: autonomous
  - name: api
    path: /srv/api
scheduler:
  max_workers: 2
  queue_size: 10
watcher:
  debounce_seconds: 0.5
  max_concurrent: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Projects, 2)
	assert.Equal(t, PolicyAutonomous, cfg.Projects[0].Orchestration)
	// Missing orchestration defaults to blocking.
	assert.Equal(t, PolicyBlocking, cfg.Projects[1].Orchestration)
	assert.Equal(t, 2, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 10, cfg.Scheduler.QueueSize)
	assert.InDelta(t, 0.5, cfg.Watcher.DebounceSeconds, 1e-9)
	assert.Equal(t, 1, cfg.Watcher.MaxConcurrent)
	// History size untouched by file, stays default.
	assert.Equal(t, DefaultHistorySize, cfg.Scheduler.HistorySize)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
projects:
  - {name: a, path: /a}
  - {name: a, path: /b}
`), 0o644))
	_, err := Load(dup)
	assert.ErrorContains(t, err, "duplicate project name")

	badPolicy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(badPolicy, []byte(`
projects:
  - {name: a, path: /a, orchestration: yolo}
`), 0o644))
	_, err = Load(badPolicy)
	assert.ErrorContains(t, err, "unknown orchestration policy")

	malformed := filepath.Join(dir, "malformed.yaml")
	require.NoError(t, os.WriteFile(malformed, []byte("projects: ["), 0o644))
	_, err = Load(malformed)
	assert.Error(t, err)
}
