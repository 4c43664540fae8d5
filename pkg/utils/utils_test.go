package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounterCountsAndLimits(t *testing.T) {
	tc, err := NewTokenCounter()
	require.NoError(t, err)

	assert.Equal(t, 0, tc.CountTokens(""))
	n := tc.CountTokens("func main() { fmt.Println(\"hello\") }")
	assert.Greater(t, n, 0)
	assert.True(t, tc.WithinLimit("short", 100))
	assert.False(t, tc.WithinLimit(strings.Repeat("word ", 500), 10))
}

func TestNilCounterFallsBackToEstimate(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 25, tc.CountTokens(strings.Repeat("a", 100)))
}

func TestNewID(t *testing.T) {
	a := NewID("cycle")
	b := NewID("cycle")
	assert.True(t, strings.HasPrefix(a, "cycle-"))
	assert.Len(t, a, len("cycle-")+8)
	assert.NotEqual(t, a, b)
}

func TestSanitizeIdentifier(t *testing.T) {
	assert.Equal(t, "agent-001", SanitizeIdentifier("agent:001"))
	assert.Equal(t, "a-b-c-d", SanitizeIdentifier("a b/c\\d"))
}
