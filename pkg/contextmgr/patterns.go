package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// patternMinSupport is how many co-occurrences make a pattern.
const patternMinSupport = 3

// learningRetention bounds how far back contexts are kept during
// optimization.
const learningRetention = 30 * 24 * time.Hour

// Pattern is one discovered file co-occurrence: files that repeatedly
// appear together in agent contexts.
type Pattern struct {
	Files   []string `json:"files"`
	Support int      `json:"support"`
}

// patternsFile is the versioned pattern snapshot.
type patternsFile struct {
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
	Patterns   []Pattern `json:"patterns"`
}

// DiscoverPatterns scans every persisted memory for file pairs that
// co-occur across contexts and writes the pattern snapshot. Returns the
// number of patterns found. Implements the scheduler's PatternLearner.
func (m *MemoryStore) DiscoverPatterns(ctx context.Context) (int, error) {
	memories, err := m.loadAll()
	if err != nil {
		return 0, err
	}

	support := make(map[string]int)
	for _, mem := range memories {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("pattern discovery cancelled: %w", ctx.Err())
		default:
		}
		for _, record := range mem.Contexts {
			files := append([]string{}, record.Files...)
			sort.Strings(files)
			for i := 0; i < len(files); i++ {
				for j := i + 1; j < len(files); j++ {
					support[files[i]+"|"+files[j]]++
				}
			}
		}
	}

	var patterns []Pattern
	for pair, count := range support {
		if count < patternMinSupport {
			continue
		}
		patterns = append(patterns, Pattern{Files: strings.SplitN(pair, "|", 2), Support: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Support != patterns[j].Support {
			return patterns[i].Support > patterns[j].Support
		}
		return patterns[i].Files[0] < patterns[j].Files[0]
	})

	snapshot := patternsFile{
		Version:   memorySchemaVersion,
		UpdatedAt: time.Now().UTC(),
		Patterns:  patterns,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal patterns: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "patterns.json"), data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write patterns: %w", err)
	}
	return len(patterns), nil
}

// Patterns reads the last discovered pattern snapshot.
func (m *MemoryStore) Patterns() ([]Pattern, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, "patterns.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read patterns: %w", err)
	}
	var snapshot patternsFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse patterns: %w", err)
	}
	return snapshot.Patterns, nil
}

// OptimizeLearning prunes contexts older than the retention window from
// every persisted memory. Implements the scheduler's PatternLearner.
func (m *MemoryStore) OptimizeLearning(ctx context.Context) error {
	memories, err := m.loadAll()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-learningRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range memories {
		select {
		case <-ctx.Done():
			return fmt.Errorf("learning optimization cancelled: %w", ctx.Err())
		default:
		}

		kept := mem.Contexts[:0]
		for _, record := range mem.Contexts {
			if record.Timestamp.After(cutoff) {
				kept = append(kept, record)
			}
		}
		if len(kept) == len(mem.Contexts) {
			continue
		}
		mem.Contexts = kept

		data, err := json.MarshalIndent(mem, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal optimized memory: %w", err)
		}
		if err := os.WriteFile(m.path(mem.AgentType, mem.StoryID), data, 0o644); err != nil {
			return fmt.Errorf("failed to write optimized memory: %w", err)
		}
		m.cache[memoryKey(mem.AgentType, mem.StoryID)] = mem
	}
	return nil
}

// loadAll reads every memory snapshot from disk.
func (m *MemoryStore) loadAll() ([]*AgentMemory, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory dir: %w", err)
	}
	var out []*AgentMemory
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == "patterns.json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		var mem AgentMemory
		if err := json.Unmarshal(data, &mem); err != nil {
			m.logger.Warn("skipping corrupt memory file %s: %v", name, err)
			continue
		}
		out = append(out, &mem)
	}
	return out, nil
}

// DiscoverPatterns delegates to the memory store so the filter can act
// as the scheduler's PatternLearner.
func (f *Filter) DiscoverPatterns(ctx context.Context) (int, error) {
	return f.memory.DiscoverPatterns(ctx)
}

// OptimizeLearning delegates to the memory store.
func (f *Filter) OptimizeLearning(ctx context.Context) error {
	return f.memory.OptimizeLearning(ctx)
}
