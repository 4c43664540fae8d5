package contextmgr

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/index"
	"agentflow/pkg/tdd"
)

const userServicePy = `import database
from helpers import hash_password

class UserService:
    def create_user(self, name):
        return name

    def authenticate_user(self, name, password):
        return hash_password(password)
`

const testUserServicePy = `import user_service

def test_create_user():
    pass

def test_authenticate_user():
    pass
`

const readmeMd = `# Project

User management service.

## Setup

Run the setup script.

## Authentication

Authentication uses hashed passwords.
`

func newFixture(t *testing.T) (*Filter, *MemoryStore, *index.Index) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"user_service.py":      userServicePy,
		"test_user_service.py": testUserServicePy,
		"README.md":            readmeMd,
	}
	for path, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, path), []byte(content), 0o644))
	}

	idx, err := index.New(root, filepath.Join(t.TempDir(), "idx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	_, err = idx.Build(context.Background(), false)
	require.NoError(t, err)

	memory, err := NewMemoryStore(filepath.Join(t.TempDir(), "context_learning"))
	require.NoError(t, err)

	filter, err := NewFilter(idx, memory)
	require.NoError(t, err)
	return filter, memory, idx
}

func TestWeightsSumToOne(t *testing.T) {
	sum := DirectMentionWeight + DependencyWeight + HistoricalWeight +
		SemanticWeight + TDDPhaseWeight
	assert.InDelta(t, 1.0, sum, 1e-3)
}

func TestCodeGreenRequestRanksImplementationFirst(t *testing.T) {
	filter, _, _ := newFixture(t)

	scored, err := filter.ApplyFilter(context.Background(), Request{
		AgentType: "CodeAgent",
		StoryID:   "S1",
		Task:      "Implement create_user in UserService",
		TDDPhase:  tdd.StateCodeGreen,
		MaxFiles:  10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, scored)

	assert.Equal(t, "user_service.py", scored[0].Path)
	assert.Greater(t, scored[0].TotalScore, 0.5)

	// The test file ranks below the implementation in the green phase.
	for i, s := range scored {
		if s.Path == "test_user_service.py" {
			assert.Greater(t, i, 0)
			assert.Less(t, s.TotalScore, scored[0].TotalScore)
		}
	}
}

func TestComponentsCarryScoreWeightContribution(t *testing.T) {
	filter, _, _ := newFixture(t)

	scored, err := filter.ApplyFilter(context.Background(), Request{
		AgentType: "CodeAgent",
		StoryID:   "S1",
		Task:      "Implement create_user in UserService",
		TDDPhase:  tdd.StateCodeGreen,
	})
	require.NoError(t, err)
	require.NotEmpty(t, scored)

	top := scored[0]
	require.Len(t, top.Components, 5)
	total := 0.0
	for name, c := range top.Components {
		assert.GreaterOrEqual(t, c.Score, 0.0, name)
		assert.LessOrEqual(t, c.Score, 1.0, name)
		assert.InDelta(t, c.Score*c.Weight, c.Contribution, 1e-9, name)
		total += c.Contribution
	}
	assert.InDelta(t, top.TotalScore, total, 1e-9)
}

func TestMinScoreThresholdFilters(t *testing.T) {
	filter, _, _ := newFixture(t)

	scored, err := filter.ApplyFilter(context.Background(), Request{
		AgentType: "CodeAgent",
		StoryID:   "S1",
		Task:      "Implement create_user in UserService",
		TDDPhase:  tdd.StateCodeGreen,
		MinScore:  0.5,
	})
	require.NoError(t, err)
	for _, s := range scored {
		assert.GreaterOrEqual(t, s.TotalScore, 0.5)
	}

	// A tight threshold keeps only the implementation file.
	require.NotEmpty(t, scored)
	assert.Equal(t, "user_service.py", scored[0].Path)
}

func TestMaxFilesCap(t *testing.T) {
	filter, _, _ := newFixture(t)

	scored, err := filter.ApplyFilter(context.Background(), Request{
		AgentType: "CodeAgent",
		StoryID:   "S1",
		Task:      "user service authentication tests readme",
		MaxFiles:  1,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(scored), 1)
}

func TestHistoricalSignalGrowsWithUse(t *testing.T) {
	filter, memory, _ := newFixture(t)
	req := Request{
		AgentType: "CodeAgent",
		StoryID:   "S1",
		Task:      "Implement create_user in UserService",
		TDDPhase:  tdd.StateCodeGreen,
	}

	// Unused file has no historical signal.
	assert.Zero(t, memory.HistoricalScore("CodeAgent", "S1", "user_service.py"))

	// Each filter run records its selection; the score climbs.
	_, err := filter.ApplyFilter(context.Background(), req)
	require.NoError(t, err)
	first := memory.HistoricalScore("CodeAgent", "S1", "user_service.py")
	assert.Greater(t, first, 0.0)
	assert.LessOrEqual(t, first, 1.0)

	// Different story sees nothing.
	assert.Zero(t, memory.HistoricalScore("CodeAgent", "S2", "user_service.py"))
}

func TestExtractSearchTerms(t *testing.T) {
	terms := ExtractSearchTerms(
		"Implement create_user in UserService per docs/setup.md",
		[]string{"authentication"})

	assert.Contains(t, terms.FunctionNames, "create_user")
	assert.Contains(t, terms.ClassNames, "UserService")
	assert.Contains(t, terms.FilePatterns, "docs/setup.md")
	assert.Contains(t, terms.Concepts, "authentication")
	// Stopwords are dropped from keywords.
	assert.NotContains(t, terms.Keywords, "implement")

	all := terms.All()
	seen := map[string]bool{}
	for _, term := range all {
		assert.False(t, seen[term], "duplicate term %s", term)
		seen[term] = true
	}
}

func TestTDDPhaseScoring(t *testing.T) {
	node := index.FileNode{FileType: index.FileTypeTest}
	src := index.FileNode{FileType: index.FileTypeSource}

	assert.InDelta(t, 1.0, tddPhaseScore(tdd.StateTestRed, "test_a.py", &node), 1e-9)
	assert.InDelta(t, 0.3, tddPhaseScore(tdd.StateTestRed, "a.py", &src), 1e-9)
	assert.InDelta(t, 1.0, tddPhaseScore(tdd.StateCodeGreen, "a.py", &src), 1e-9)

	// Refactor-flavored filenames earn the bonus, capped at 1.0.
	score := tddPhaseScore(tdd.StateRefactor, "refactor_helpers.py", &src)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.InDelta(t, 0.7, tddPhaseScore(tdd.StateRefactor, "a.py", &src), 1e-9)

	// No phase, no signal.
	assert.Zero(t, tddPhaseScore("", "a.py", &src))
}

func TestPerTermFrequencyCap(t *testing.T) {
	filter, _, _ := newFixture(t)

	// One term repeated many times cannot exceed the cap plus bonuses.
	content := ""
	for range 50 {
		content += "widget "
	}
	score := filter.directMentionScore("widget_factory.py", content, []string{"widget"})
	assert.LessOrEqual(t, score, 1.0)
	capped := perTermFrequencyCap + 0.2 // frequency cap + filename bonus
	assert.InDelta(t, capped, score, 1e-9)
}

func TestCachedPredictionDefaultsToNone(t *testing.T) {
	_, memory, _ := newFixture(t)
	_, ok := memory.CachedPrediction("CodeAgent", "S1")
	assert.False(t, ok)
}

func TestWeightInvariantNumerically(t *testing.T) {
	// The init assertion enforces this too; keep the explicit check.
	assert.True(t, math.Abs(DirectMentionWeight+DependencyWeight+
		HistoricalWeight+SemanticWeight+TDDPhaseWeight-1.0) < 1e-3)
}
