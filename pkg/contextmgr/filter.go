package contextmgr

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"agentflow/pkg/index"
	"agentflow/pkg/logx"
	"agentflow/pkg/metrics"
	"agentflow/pkg/tdd"
	"agentflow/pkg/utils"
)

// Relevance signal weights. They must sum to 1.0; the package refuses
// to load otherwise.
const (
	DirectMentionWeight = 0.40
	DependencyWeight    = 0.25
	HistoricalWeight    = 0.20
	SemanticWeight      = 0.10
	TDDPhaseWeight      = 0.05
)

// Filter defaults.
const (
	DefaultMinScore = 0.1
	DefaultMaxFiles = 10

	// perTermFrequencyCap bounds the frequency contribution of one term.
	perTermFrequencyCap = 0.5
	// corePatternBonus rewards entry modules in the dependency signal.
	corePatternBonus = 0.1
	// refactorNameBonus rewards refactor-flavored filenames in that phase.
	refactorNameBonus = 0.8
)

//nolint:gochecknoinits // weight-sum invariant must hold before any scoring
func init() {
	sum := DirectMentionWeight + DependencyWeight + HistoricalWeight +
		SemanticWeight + TDDPhaseWeight
	if math.Abs(sum-1.0) > 1e-3 {
		panic(fmt.Sprintf("relevance weights sum to %v, want 1.0", sum))
	}
}

// Request describes one agent context request.
type Request struct {
	AgentType  string
	StoryID    string
	Task       string
	FocusAreas []string
	TDDPhase   tdd.State
	MaxFiles   int
	MinScore   float64
}

// Component is one signal's score, weight, and weighted contribution.
type Component struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// ScoredFile is one candidate with its total score and breakdown.
type ScoredFile struct {
	Path       string               `json:"path"`
	TotalScore float64              `json:"total_score"`
	Components map[string]Component `json:"components"`
}

// IndexReader is the slice of the index the filter consumes. Keeping it
// an interface means the filter never touches the index's store.
type IndexReader interface {
	Paths() []string
	NodeByPath(p string) (index.FileNode, bool)
	ReadContent(p string) ([]byte, error)
	TrackFileAccess(p string)
}

// Filter is the multi-signal relevance scorer.
type Filter struct {
	index  IndexReader
	memory *MemoryStore
	tokens *utils.TokenCounter
	logger *logx.Logger

	contentCache *ttlCache
	depsCache    *ttlCache
	timings      *timingStats
}

// NewFilter builds a filter over the given index and memory store.
func NewFilter(idx IndexReader, memory *MemoryStore) (*Filter, error) {
	tokens, err := utils.NewTokenCounter()
	if err != nil {
		return nil, err
	}
	return &Filter{
		index:        idx,
		memory:       memory,
		tokens:       tokens,
		logger:       logx.NewLogger("context-filter"),
		contentCache: newTTLCache(cacheTTL),
		depsCache:    newTTLCache(cacheTTL),
		timings:      newTimingStats(),
	}, nil
}

// ApplyFilter scores every indexed file against the request and returns
// those at or above the threshold, best first, capped at MaxFiles.
// The selection is recorded in agent memory and access tracking.
func (f *Filter) ApplyFilter(ctx context.Context, req Request) ([]ScoredFile, error) {
	start := time.Now()
	defer func() { f.timings.record(time.Since(start)) }()

	minScore := req.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	maxFiles := req.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	terms := ExtractSearchTerms(req.Task, req.FocusAreas)
	allTerms := terms.All()

	var scored []ScoredFile
	for _, filePath := range f.index.Paths() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("filter cancelled: %w", ctx.Err())
		default:
		}

		node, ok := f.index.NodeByPath(filePath)
		if !ok {
			continue
		}
		content := f.cachedContent(filePath)

		components := map[string]Component{
			"direct_mention": component(f.directMentionScore(filePath, content, allTerms), DirectMentionWeight),
			"dependency":     component(f.dependencyScore(filePath, &node, allTerms, terms.Concepts), DependencyWeight),
			"historical":     component(f.memory.HistoricalScore(req.AgentType, req.StoryID, filePath), HistoricalWeight),
			"semantic":       component(semanticScore(req.AgentType, &node, content), SemanticWeight),
			"tdd_phase":      component(tddPhaseScore(req.TDDPhase, filePath, &node), TDDPhaseWeight),
		}
		total := 0.0
		for _, c := range components {
			total += c.Contribution
		}
		if total < minScore {
			continue
		}
		scored = append(scored, ScoredFile{Path: filePath, TotalScore: total, Components: components})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].TotalScore != scored[j].TotalScore {
			return scored[i].TotalScore > scored[j].TotalScore
		}
		return scored[i].Path < scored[j].Path
	})
	if len(scored) > maxFiles {
		scored = scored[:maxFiles]
	}

	files := make([]string, len(scored))
	for i, s := range scored {
		files[i] = s.Path
		f.index.TrackFileAccess(s.Path)
	}
	if err := f.memory.RecordContext(req.AgentType, req.StoryID, files); err != nil {
		f.logger.Warn("failed to record context memory: %v", err)
	}
	return scored, nil
}

func component(score, weight float64) Component {
	return Component{Score: score, Weight: weight, Contribution: score * weight}
}

// cachedContent returns the lower-cased content of a file through the
// TTL cache.
func (f *Filter) cachedContent(filePath string) string {
	if v, ok := f.contentCache.get(filePath); ok {
		metrics.FilterCacheEvents.WithLabelValues("hit").Inc()
		return v.(string)
	}
	metrics.FilterCacheEvents.WithLabelValues("miss").Inc()

	data, err := f.index.ReadContent(filePath)
	if err != nil {
		return ""
	}
	content := strings.ToLower(string(data))
	f.contentCache.set(filePath, content)
	return content
}

// directMentionScore scores the presence of request terms in the file's
// content and name. Frequency per term is capped; exact definitions
// (class/def/func/type declarations) earn a bonus. The sum is capped
// at 1.0 so one obviously relevant file saturates the signal.
func (f *Filter) directMentionScore(filePath, content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	filename := strings.ToLower(path.Base(filePath))
	total := 0.0
	for _, term := range terms {
		lower := strings.ToLower(term)
		score := 0.25 * float64(strings.Count(content, lower))
		if score > perTermFrequencyCap {
			score = perTermFrequencyCap
		}
		if strings.Contains(filename, lower) {
			score += 0.2
		}
		if strings.Contains(content, "class "+lower) ||
			strings.Contains(content, "def "+lower) ||
			strings.Contains(content, "func "+lower) ||
			strings.Contains(content, "type "+lower) {
			score += 0.3
		}
		if score > 1 {
			score = 1
		}
		total += score
	}
	if total > 1 {
		total = 1
	}
	return total
}

// corePatterns mark entry modules that earn a dependency bonus.
//
//nolint:gochecknoglobals // static pattern set
var corePatterns = []string{"main.go", "main.py", "__init__.py", "app.", "cmd/", "orchestrator"}

// dependencyScore is 1.0 when the file imports a request term or is
// imported by a file matching the request focus, plus a small bonus for
// core entry modules.
func (f *Filter) dependencyScore(filePath string, node *index.FileNode, terms, concepts []string) float64 {
	score := 0.0

	matches := func(value string) bool {
		lower := strings.ToLower(value)
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				return true
			}
		}
		for _, c := range concepts {
			if c != "" && strings.Contains(lower, c) {
				return true
			}
		}
		return false
	}

	for _, imp := range node.Imports {
		if matches(imp) {
			score = 1.0
			break
		}
	}
	if score == 0 {
		for _, rdep := range node.ReverseDependencies {
			if matches(rdep) {
				score = 1.0
				break
			}
		}
	}

	lower := strings.ToLower(filePath)
	for _, pattern := range corePatterns {
		if strings.Contains(lower, pattern) {
			score += corePatternBonus
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// semanticAffinity maps agent types to file-type fit.
//
//nolint:gochecknoglobals // static affinity table
var semanticAffinity = map[string]map[index.FileType]float64{
	"QAAgent": {
		index.FileTypeTest: 1.0, index.FileTypeSource: 0.5,
	},
	"DesignAgent": {
		index.FileTypeMarkdown: 1.0, index.FileTypeSource: 0.4,
		index.FileTypeYAML: 0.3, index.FileTypeJSON: 0.3,
	},
	"CodeAgent": {
		index.FileTypeSource: 1.0, index.FileTypeTest: 0.6,
		index.FileTypeConfig: 0.3,
	},
	"DataAgent": {
		index.FileTypeJSON: 1.0, index.FileTypeYAML: 1.0,
		index.FileTypeSource: 0.5,
	},
}

// semanticScore is the fit between the file's type and the requesting
// agent, nudged by content signals.
func semanticScore(agentType string, node *index.FileNode, content string) float64 {
	score := 0.1
	if affinity, ok := semanticAffinity[agentType]; ok {
		if s, ok := affinity[node.FileType]; ok {
			score = s
		}
	}
	// Language content signal: declaration-bearing files suit builders.
	if (agentType == "CodeAgent" || agentType == "QAAgent") &&
		(strings.Contains(content, "def ") || strings.Contains(content, "func ")) {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// refactorNameHints flag filenames favored during the refactor phase.
//
//nolint:gochecknoglobals // static hint set
var refactorNameHints = []string{"refactor", "cleanup", "optimize"}

// tddPhaseScore weighs the file's type against the requested TDD phase.
func tddPhaseScore(phase tdd.State, filePath string, node *index.FileNode) float64 {
	if phase == "" {
		return 0
	}
	var score float64
	switch phase {
	case tdd.StateTestRed:
		switch node.FileType {
		case index.FileTypeTest:
			score = 1.0
		case index.FileTypeSource:
			score = 0.3
		default:
			score = 0.1
		}
	case tdd.StateCodeGreen:
		switch node.FileType {
		case index.FileTypeSource:
			score = 1.0
		case index.FileTypeTest:
			score = 0.3
		default:
			score = 0.1
		}
	case tdd.StateRefactor:
		switch node.FileType {
		case index.FileTypeSource, index.FileTypeTest:
			score = 0.7
		default:
			score = 0.1
		}
		lower := strings.ToLower(filePath)
		for _, hint := range refactorNameHints {
			if strings.Contains(lower, hint) {
				score += refactorNameBonus
				break
			}
		}
	case tdd.StateDesign:
		switch node.FileType {
		case index.FileTypeMarkdown:
			score = 0.8
		case index.FileTypeSource:
			score = 0.4
		default:
			score = 0.2
		}
	case tdd.StateCommit:
		score = 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}
