package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/backlog"
	"agentflow/pkg/tdd"
)

func newStorage(t *testing.T) *ProjectStorage {
	t.Helper()
	s, err := NewProjectStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStateDirLayout(t *testing.T) {
	s := newStorage(t)
	for _, sub := range []string{"", "tdd_cycles", "context_learning", "logs"} {
		info, err := os.Stat(filepath.Join(s.StateDir(), sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(s.StateDir(), "context_index.db"), s.IndexPath())
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStorage(t)

	snap := &ProjectSnapshot{
		Name:          "webapp",
		Path:          "/srv/webapp",
		Orchestration: "blocking",
		CurrentState:  "SPRINT_ACTIVE",
		ActiveTasks: []TaskSnapshot{
			{ID: "t1", AgentType: "QAAgent", Command: "write tests", Status: "pending", RetryCount: 1},
		},
		PendingApprovals: []string{"t1"},
	}
	require.NoError(t, s.SaveSnapshot(snap))

	loaded, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Name, loaded.Name)
	assert.Equal(t, snap.CurrentState, loaded.CurrentState)
	require.Len(t, loaded.ActiveTasks, 1)
	assert.Equal(t, "t1", loaded.ActiveTasks[0].ID)
	assert.Equal(t, []string{"t1"}, loaded.PendingApprovals)
}

func TestSnapshotPreservesUnknownFields(t *testing.T) {
	s := newStorage(t)

	// A future version wrote a field this version does not model.
	raw := []byte(`{
		"name": "webapp",
		"path": "/srv/webapp",
		"orchestration": "partial",
		"current_state": "IDLE",
		"active_tasks": [],
		"pending_approvals": [],
		"future_field": {"nested": [1, 2, 3]}
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(s.StateDir(), "status.json"), raw, 0o644))

	loaded, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(loaded))

	data, err := os.ReadFile(filepath.Join(s.StateDir(), "status.json"))
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(out["future_field"]))
}

func TestLoadSnapshotMissingReturnsNil(t *testing.T) {
	s := newStorage(t)
	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestProjectDataRoundTrip(t *testing.T) {
	s := newStorage(t)

	data := backlog.NewProjectData()
	data.Epics = append(data.Epics, backlog.NewEpic("Login", "login flows"))
	story := backlog.NewStory("", "User can sign in", data.Epics[0].ID, 2)
	data.Stories = append(data.Stories, story)
	require.NoError(t, s.SaveProjectData(data))

	loaded, err := s.LoadProjectData()
	require.NoError(t, err)
	require.Len(t, loaded.Stories, 1)
	assert.Equal(t, story.ID, loaded.Stories[0].ID)
	assert.Equal(t, 2, loaded.Stories[0].Priority)

	// Fresh storage yields an empty backlog, not an error.
	empty, err := newStorage(t).LoadProjectData()
	require.NoError(t, err)
	assert.Empty(t, empty.Stories)
}

func TestTDDCyclePersistence(t *testing.T) {
	s := newStorage(t)

	cycle := tdd.NewCycle("story-1")
	task := tdd.NewTask("endpoint")
	cycle.AddTask(task)
	cycle.StartTask(task.ID)
	cycle.TotalTestRuns = 4
	require.NoError(t, s.SaveTDDCycle(cycle))

	loaded, err := s.LoadTDDCycle(cycle.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cycle.StoryID, loaded.StoryID)
	assert.Equal(t, 4, loaded.TotalTestRuns)
	assert.Equal(t, task.ID, loaded.CurrentTaskID)

	missing, err := s.LoadTDDCycle("cycle-none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ids, err := s.ListTDDCycleIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{cycle.ID}, ids)
}

func TestActiveTDDCycleSelection(t *testing.T) {
	s := newStorage(t)

	done := tdd.NewCycle("story-done")
	done.MarkComplete()
	require.NoError(t, s.SaveTDDCycle(done))

	active, err := s.ActiveTDDCycle()
	require.NoError(t, err)
	assert.Nil(t, active)

	open := tdd.NewCycle("story-open")
	require.NoError(t, s.SaveTDDCycle(open))

	active, err = s.ActiveTDDCycle()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "story-open", active.StoryID)

	count, err := s.ActiveTDDCycleCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
