package contextmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentflow/pkg/logx"
	"agentflow/pkg/utils"
)

// memorySchemaVersion tags persisted memory snapshots so the format can
// evolve with field-level defaults instead of breaking on refactors.
const memorySchemaVersion = 1

// recentContextWindow is how many trailing contexts earn the recency
// bonus in the historical signal.
const recentContextWindow = 5

// ContextRecord is one materialized agent context: which files the
// agent saw at what time.
type ContextRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files"`
}

// AgentMemory is the persisted context history for one (agent, story)
// pair.
type AgentMemory struct {
	Version   int             `json:"version"`
	AgentType string          `json:"agent_type"`
	StoryID   string          `json:"story_id"`
	Contexts  []ContextRecord `json:"contexts"`
}

// PredictionSource exposes cached context predictions. The learning
// feedback path may implement it; the default is no cached prediction.
type PredictionSource interface {
	CachedPrediction(agentType, storyID string) ([]string, bool)
}

// MemoryStore persists agent memories as versioned JSON files under the
// project's context_learning directory.
type MemoryStore struct {
	dir    string
	logger *logx.Logger

	mu    sync.Mutex
	cache map[string]*AgentMemory

	// maxContexts bounds how much history a memory retains.
	maxContexts int

	predictions PredictionSource
}

// NewMemoryStore opens (creating if needed) the memory directory.
func NewMemoryStore(dir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}
	return &MemoryStore{
		dir:         dir,
		logger:      logx.NewLogger("agent-memory"),
		cache:       make(map[string]*AgentMemory),
		maxContexts: 50,
	}, nil
}

// SetPredictionSource installs a cached-prediction provider.
func (m *MemoryStore) SetPredictionSource(p PredictionSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = p
}

// CachedPrediction returns a cached context prediction when a source is
// installed; the default is none.
func (m *MemoryStore) CachedPrediction(agentType, storyID string) ([]string, bool) {
	m.mu.Lock()
	p := m.predictions
	m.mu.Unlock()
	if p == nil {
		return nil, false
	}
	return p.CachedPrediction(agentType, storyID)
}

func memoryKey(agentType, storyID string) string {
	return agentType + "::" + storyID
}

func (m *MemoryStore) path(agentType, storyID string) string {
	name := utils.SanitizeIdentifier(agentType) + "_" + utils.SanitizeIdentifier(storyID) + ".json"
	return filepath.Join(m.dir, name)
}

// loadLocked reads a memory from cache or disk, defaulting to empty.
func (m *MemoryStore) loadLocked(agentType, storyID string) *AgentMemory {
	key := memoryKey(agentType, storyID)
	if mem, ok := m.cache[key]; ok {
		return mem
	}

	mem := &AgentMemory{
		Version:   memorySchemaVersion,
		AgentType: agentType,
		StoryID:   storyID,
	}
	if data, err := os.ReadFile(m.path(agentType, storyID)); err == nil {
		if err := json.Unmarshal(data, mem); err != nil {
			m.logger.Warn("corrupt memory snapshot for %s/%s, starting fresh: %v",
				agentType, storyID, err)
			mem = &AgentMemory{Version: memorySchemaVersion, AgentType: agentType, StoryID: storyID}
		}
	}
	m.cache[key] = mem
	return mem
}

// RecordContext appends one materialized context to the memory and
// persists the snapshot.
func (m *MemoryStore) RecordContext(agentType, storyID string, files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(agentType, storyID)
	mem.Contexts = append(mem.Contexts, ContextRecord{
		Timestamp: time.Now().UTC(),
		Files:     append([]string{}, files...),
	})
	if len(mem.Contexts) > m.maxContexts {
		mem.Contexts = mem.Contexts[len(mem.Contexts)-m.maxContexts:]
	}

	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	if err := os.WriteFile(m.path(agentType, storyID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write memory snapshot: %w", err)
	}
	return nil
}

// Contexts returns the recorded contexts for an (agent, story) pair.
func (m *MemoryStore) Contexts(agentType, storyID string) []ContextRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := m.loadLocked(agentType, storyID)
	return append([]ContextRecord{}, mem.Contexts...)
}

// HistoricalScore computes the historical signal for one file: the
// fraction of recorded contexts that included it, plus a recency bonus
// when it appeared within the last five contexts. Result is in [0, 1].
func (m *MemoryStore) HistoricalScore(agentType, storyID, path string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(agentType, storyID)
	if len(mem.Contexts) == 0 {
		return 0
	}

	appearances := 0
	recent := false
	start := len(mem.Contexts) - recentContextWindow
	for i, record := range mem.Contexts {
		for _, f := range record.Files {
			if f == path {
				appearances++
				if i >= start {
					recent = true
				}
				break
			}
		}
	}

	score := float64(appearances) / float64(len(mem.Contexts))
	if recent {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
