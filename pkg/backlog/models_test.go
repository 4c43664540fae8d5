package backlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleFromDescription(t *testing.T) {
	assert.Equal(t, "Login", TitleFromDescription("Login", "anything"))
	assert.Equal(t, "short desc", TitleFromDescription("", "short desc"))

	long := strings.Repeat("x", 60)
	title := TitleFromDescription("", long)
	assert.Equal(t, long[:50]+"...", title)
}

func TestNewStoryDefaultsOutOfRangePriority(t *testing.T) {
	assert.Equal(t, PriorityDefault, NewStory("", "d", "", 0).Priority)
	assert.Equal(t, PriorityDefault, NewStory("", "d", "", 9).Priority)
	assert.Equal(t, 1, NewStory("", "d", "", 1).Priority)
}

func TestBacklogStoriesOrderedByPriority(t *testing.T) {
	data := NewProjectData()
	low := NewStory("low", "low", "", 5)
	high := NewStory("high", "high", "", 1)
	mid := NewStory("mid", "mid", "", 3)
	done := NewStory("done", "done", "", 1)
	done.Status = StoryDone
	data.Stories = []*Story{low, high, mid, done}

	got := data.BacklogStories()
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].Title)
	assert.Equal(t, "mid", got[1].Title)
	assert.Equal(t, "low", got[2].Title)
}

func TestSprintActivationEnforcesSingleActive(t *testing.T) {
	data := NewProjectData()
	s1 := NewStory("a", "a", "", 2)
	s2 := NewStory("b", "b", "", 2)
	data.Stories = []*Story{s1, s2}

	first := NewSprint("goal 1", []string{s1.ID})
	second := NewSprint("goal 2", []string{s2.ID})
	data.Sprints = []*Sprint{first, second}

	require.NoError(t, data.ActivateSprint(first.ID))
	assert.Equal(t, SprintActive, first.Status)
	assert.Equal(t, StoryInProgress, s1.Status)
	require.NotNil(t, first.StartedAt)

	err := data.ActivateSprint(second.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	// Completing frees the slot.
	require.NoError(t, data.CompleteSprint())
	assert.Equal(t, SprintComplete, first.Status)
	assert.Equal(t, StoryDone, s1.Status)
	require.NoError(t, data.ActivateSprint(second.ID))
}

func TestStoriesBySprintPreservesOrder(t *testing.T) {
	data := NewProjectData()
	s1 := NewStory("a", "a", "", 2)
	s2 := NewStory("b", "b", "", 1)
	data.Stories = []*Story{s1, s2}
	sprint := NewSprint("g", []string{s2.ID, s1.ID})
	data.Sprints = []*Sprint{sprint}

	got := data.StoriesBySprint(sprint.ID)
	require.Len(t, got, 2)
	assert.Equal(t, s2.ID, got[0].ID)
	assert.Equal(t, s1.ID, got[1].ID)

	assert.Nil(t, data.StoriesBySprint("missing"))
}

func TestLookupsReturnNilWhenMissing(t *testing.T) {
	data := NewProjectData()
	assert.Nil(t, data.EpicByID("nope"))
	assert.Nil(t, data.StoryByID("nope"))
	assert.Nil(t, data.ActiveSprint())
	assert.Error(t, data.CompleteSprint())
}
