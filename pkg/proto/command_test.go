package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTwoTokenCommands(t *testing.T) {
	tests := []struct {
		raw  string
		kind CommandKind
	}{
		{"/backlog view", CmdBacklogView},
		{"/backlog add_story", CmdBacklogAddStory},
		{"/backlog prioritize", CmdBacklogPrioritize},
		{"/sprint plan", CmdSprintPlan},
		{"/sprint start", CmdSprintStart},
		{"/sprint pause", CmdSprintPause},
		{"/sprint resume", CmdSprintResume},
		{"/tdd start", CmdTDDStart},
		{"/tdd run_tests", CmdTDDRunTests},
		{"/tdd overview", CmdTDDOverview},
	}
	for _, tc := range tests {
		cmd, err := Parse(tc.raw, nil)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, cmd.Kind, tc.raw)
	}
}

func TestParseSingleTokenCommands(t *testing.T) {
	for raw, kind := range map[string]CommandKind{
		"/epic":     CmdEpic,
		"/approve":  CmdApprove,
		"/state":    CmdState,
		"/feedback": CmdFeedback,
	} {
		cmd, err := Parse(raw, nil)
		require.NoError(t, err)
		assert.Equal(t, kind, cmd.Kind)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse("/deploy", nil)
	assert.Error(t, err)

	_, err = Parse("   ", nil)
	assert.Error(t, err)
}

func TestParseKeepsRawAndParams(t *testing.T) {
	cmd, err := Parse("/tdd start", Params{"story_id": "S1"})
	require.NoError(t, err)
	assert.Equal(t, "/tdd start", cmd.Raw)
	assert.Equal(t, "S1", cmd.Params.String("story_id"))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, CmdTDDStart.IsTDD())
	assert.True(t, CmdTDDRunTests.IsTDD())
	assert.False(t, CmdSprintStart.IsTDD())
	assert.True(t, CmdState.IsIntrospection())
	assert.False(t, CmdEpic.IsIntrospection())
}

func TestParamsAccessors(t *testing.T) {
	p := Params{
		"priority":  float64(2), // JSON numbers decode as float64
		"story_ids": []any{"S1", "S2"},
		"title":     "Login",
	}
	assert.Equal(t, 2, p.Int("priority", 3))
	assert.Equal(t, 3, p.Int("missing", 3))
	assert.Equal(t, []string{"S1", "S2"}, p.StringSlice("story_ids"))
	assert.Equal(t, "Login", p.String("title"))
	assert.Equal(t, "", p.String("missing"))
}

func TestResultEnvelope(t *testing.T) {
	r := OK("sprint planned").
		WithNextStep("/sprint start").
		WithState("SPRINT_PLANNED").
		Set("story_count", 2)

	assert.True(t, r.OK)
	assert.Equal(t, "SPRINT_PLANNED", r.CurrentState)
	v, ok := r.Get("story_count")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	f := Fail("bad state").WithHint("plan a sprint first").WithAllowed([]string{"/sprint plan"})
	assert.False(t, f.OK)
	assert.Equal(t, []string{"/sprint plan"}, f.AllowedCommands)
}
