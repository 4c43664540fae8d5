// Package storage persists per-project state under the project's
// .orch-state directory: the project snapshot, the backlog, and one
// JSON document per TDD cycle.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentflow/pkg/backlog"
	"agentflow/pkg/logx"
	"agentflow/pkg/tdd"
	"agentflow/pkg/utils"
)

// StateDirName is the per-project state directory.
const StateDirName = ".orch-state"

// ErrStorage marks persistence failures. The orchestrator treats a
// wrapped ErrStorage as grounds for blocking the project.
var ErrStorage = errors.New("storage failure")

// ProjectStorage owns the .orch-state layout for one project.
type ProjectStorage struct {
	root   string
	dir    string
	logger *logx.Logger
}

// NewProjectStorage creates the state directory tree under root.
func NewProjectStorage(root string) (*ProjectStorage, error) {
	dir := filepath.Join(root, StateDirName)
	for _, sub := range []string{"", "tdd_cycles", "context_learning", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create state dir: %v", ErrStorage, err)
		}
	}
	return &ProjectStorage{
		root:   root,
		dir:    dir,
		logger: logx.NewLogger("storage"),
	}, nil
}

// Root returns the project root path.
func (s *ProjectStorage) Root() string { return s.root }

// StateDir returns the .orch-state path.
func (s *ProjectStorage) StateDir() string { return s.dir }

// IndexPath returns the embedded context index database path.
func (s *ProjectStorage) IndexPath() string {
	return filepath.Join(s.dir, "context_index.db")
}

// LearningDir returns the agent-memory snapshot directory.
func (s *ProjectStorage) LearningDir() string {
	return filepath.Join(s.dir, "context_learning")
}

// writeFileAtomic writes data via a temp file, fsyncs, and renames into
// place so a crash never leaves a torn snapshot.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// SaveSnapshot persists the project snapshot atomically.
func (s *ProjectStorage) SaveSnapshot(snap *ProjectSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", ErrStorage, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "status.json"), data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Debug("saved snapshot for %s", snap.Name)
	return nil
}

// LoadSnapshot reads the project snapshot. Returns (nil, nil) when no
// snapshot exists yet.
func (s *ProjectStorage) LoadSnapshot() (*ProjectSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read snapshot: %v", ErrStorage, err)
	}
	var snap ProjectSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: unmarshal snapshot: %v", ErrStorage, err)
	}
	return &snap, nil
}

// SaveProjectData persists the backlog.
func (s *ProjectStorage) SaveProjectData(data *backlog.ProjectData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal backlog: %v", ErrStorage, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "backlog.json"), raw); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// LoadProjectData reads the backlog, returning an empty backlog when
// none has been saved.
func (s *ProjectStorage) LoadProjectData() (*backlog.ProjectData, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "backlog.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return backlog.NewProjectData(), nil
		}
		return nil, fmt.Errorf("%w: read backlog: %v", ErrStorage, err)
	}
	var data backlog.ProjectData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: unmarshal backlog: %v", ErrStorage, err)
	}
	return &data, nil
}

func (s *ProjectStorage) cyclePath(cycleID string) string {
	return filepath.Join(s.dir, "tdd_cycles", utils.SanitizeIdentifier(cycleID)+".json")
}

// SaveTDDCycle persists one cycle document.
func (s *ProjectStorage) SaveTDDCycle(cycle *tdd.Cycle) error {
	raw, err := json.MarshalIndent(cycle, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal cycle %s: %v", ErrStorage, cycle.ID, err)
	}
	if err := writeFileAtomic(s.cyclePath(cycle.ID), raw); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// LoadTDDCycle reads one cycle. Returns (nil, nil) when absent.
func (s *ProjectStorage) LoadTDDCycle(cycleID string) (*tdd.Cycle, error) {
	raw, err := os.ReadFile(s.cyclePath(cycleID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read cycle %s: %v", ErrStorage, cycleID, err)
	}
	var cycle tdd.Cycle
	if err := json.Unmarshal(raw, &cycle); err != nil {
		return nil, fmt.Errorf("%w: unmarshal cycle %s: %v", ErrStorage, cycleID, err)
	}
	return &cycle, nil
}

// ListTDDCycleIDs returns the ids of every persisted cycle.
func (s *ProjectStorage) ListTDDCycleIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "tdd_cycles"))
	if err != nil {
		return nil, fmt.Errorf("%w: list cycles: %v", ErrStorage, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// ActiveTDDCycle returns the first non-terminal cycle, or nil.
func (s *ProjectStorage) ActiveTDDCycle() (*tdd.Cycle, error) {
	ids, err := s.ListTDDCycleIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		cycle, err := s.LoadTDDCycle(id)
		if err != nil {
			return nil, err
		}
		if cycle != nil && !cycle.IsComplete() {
			return cycle, nil
		}
	}
	return nil, nil
}

// ActiveTDDCycleCount returns the number of non-terminal cycles.
func (s *ProjectStorage) ActiveTDDCycleCount() (int, error) {
	ids, err := s.ListTDDCycleIDs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		cycle, err := s.LoadTDDCycle(id)
		if err != nil {
			return 0, err
		}
		if cycle != nil && !cycle.IsComplete() {
			count++
		}
	}
	return count, nil
}
