package index

import (
	"fmt"
	"sort"
	"strings"
)

// SearchKind selects which inverted index a query runs against.
type SearchKind string

const (
	SearchFunctions SearchKind = "functions"
	SearchClasses   SearchKind = "classes"
	SearchImports   SearchKind = "imports"
	SearchContent   SearchKind = "content"
	SearchAll       SearchKind = "all"
)

// MatchType describes how a search result matched.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPartial  MatchType = "partial"
	MatchSemantic MatchType = "semantic"
	MatchFuzzy    MatchType = "fuzzy"
)

// Match scores per match type.
const (
	scoreExact    = 1.0
	scorePartial  = 0.7
	scoreSemantic = 0.5
	scoreFuzzy    = 0.3
)

// SearchResult is one scored match, deduplicated by file path.
type SearchResult struct {
	FilePath  string    `json:"file_path"`
	Score     float64   `json:"score"`
	MatchType MatchType `json:"match_type"`
	Matches   []string  `json:"matches"`
	Context   string    `json:"context,omitempty"`
}

// Search runs a query against the selected indices and returns results
// sorted by score descending, ties broken by path.
func (idx *Index) Search(query string, kind SearchKind, maxResults int, includeContent bool) ([]SearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, fmt.Errorf("query has no searchable terms: %q", query)
	}

	idx.mu.RLock()
	byPath := make(map[string]*SearchResult)

	collect := func(nameIndex map[string][]string, term string) {
		for name, paths := range nameIndex {
			var score float64
			var matchType MatchType
			switch {
			case name == term:
				score, matchType = scoreExact, MatchExact
			case strings.Contains(name, term):
				score, matchType = scorePartial, MatchPartial
			case sharedPrefix(name, term) >= 3:
				score, matchType = scoreFuzzy, MatchFuzzy
			default:
				continue
			}
			for _, path := range paths {
				mergeResult(byPath, path, score, matchType, name)
			}
		}
	}

	for _, term := range terms {
		if kind == SearchFunctions || kind == SearchAll {
			collect(idx.funcIndex, term)
		}
		if kind == SearchClasses || kind == SearchAll {
			collect(idx.classIndex, term)
		}
		if kind == SearchImports || kind == SearchAll {
			collect(idx.importIndex, term)
		}
		if kind == SearchContent || kind == SearchAll {
			for path := range idx.contentIndex[term] {
				mergeResult(byPath, path, scoreSemantic, MatchSemantic, term)
			}
		}
	}
	idx.mu.RUnlock()

	results := make([]SearchResult, 0, len(byPath))
	for _, r := range byPath {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FilePath < results[j].FilePath
	})
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	if includeContent {
		for i := range results {
			if content, err := idx.ReadContent(results[i].FilePath); err == nil {
				results[i].Context = contextSnippet(string(content), terms)
			}
		}
	}
	return results, nil
}

// mergeResult keeps the best score per path and accumulates matches.
func mergeResult(byPath map[string]*SearchResult, path string, score float64, matchType MatchType, match string) {
	r, ok := byPath[path]
	if !ok {
		byPath[path] = &SearchResult{
			FilePath:  path,
			Score:     score,
			MatchType: matchType,
			Matches:   []string{match},
		}
		return
	}
	if score > r.Score {
		r.Score = score
		r.MatchType = matchType
	}
	for _, m := range r.Matches {
		if m == match {
			return
		}
	}
	r.Matches = append(r.Matches, match)
}

func sharedPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// contextSnippet returns the first line containing any query term.
func contextSnippet(content string, terms []string) string {
	for _, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}

// DependencyInfo is the result of a graph query for one file.
type DependencyInfo struct {
	Path                string   `json:"path"`
	Dependencies        []string `json:"dependencies"`
	ReverseDependencies []string `json:"reverse_dependencies,omitempty"`
}

// GetFileDependencies walks the forward graph from path up to depth
// levels, optionally including reverse dependencies (one level).
func (idx *Index) GetFileDependencies(path string, depth int, includeReverse bool) (DependencyInfo, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if _, ok := idx.nodes[path]; !ok {
		return DependencyInfo{}, fmt.Errorf("file not indexed: %s", path)
	}
	if depth <= 0 {
		depth = 1
	}

	info := DependencyInfo{Path: path}
	visited := map[string]bool{path: true}
	frontier := []string{path}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, current := range frontier {
			for _, dep := range idx.forward[current] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				info.Dependencies = append(info.Dependencies, dep)
				next = append(next, dep)
			}
		}
		frontier = next
	}
	sort.Strings(info.Dependencies)

	if includeReverse {
		info.ReverseDependencies = append([]string{}, idx.reverse[path]...)
	}
	return info, nil
}

// GetFileStructure returns the extracted structure of one file.
func (idx *Index) GetFileStructure(path string) (FileNode, error) {
	node, ok := idx.NodeByPath(path)
	if !ok {
		return FileNode{}, fmt.Errorf("file not indexed: %s", path)
	}
	return node, nil
}

// Relation names accepted by FindRelatedFiles.
const (
	RelationDependency        = "dependency"
	RelationReverseDependency = "reverse_dependency"
	RelationSimilarStructure  = "similar_structure"
	RelationSharedImports     = "shared_imports"
)

// RelatedFile is one related-file hit with its relation and strength.
type RelatedFile struct {
	Path     string  `json:"path"`
	Relation string  `json:"relation"`
	Score    float64 `json:"score"`
}

// FindRelatedFiles finds files related to path through the requested
// relation types, strongest first, capped at maxResults.
func (idx *Index) FindRelatedFiles(path string, relationTypes []string, maxResults int) ([]RelatedFile, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	source, ok := idx.nodes[path]
	if !ok {
		return nil, fmt.Errorf("file not indexed: %s", path)
	}
	wanted := make(map[string]bool, len(relationTypes))
	for _, r := range relationTypes {
		wanted[r] = true
	}
	if len(wanted) == 0 {
		wanted = map[string]bool{
			RelationDependency: true, RelationReverseDependency: true,
			RelationSimilarStructure: true, RelationSharedImports: true,
		}
	}

	var out []RelatedFile
	if wanted[RelationDependency] {
		for _, dep := range idx.forward[path] {
			out = append(out, RelatedFile{Path: dep, Relation: RelationDependency, Score: 1.0})
		}
	}
	if wanted[RelationReverseDependency] {
		for _, dep := range idx.reverse[path] {
			out = append(out, RelatedFile{Path: dep, Relation: RelationReverseDependency, Score: 0.9})
		}
	}
	if wanted[RelationSimilarStructure] || wanted[RelationSharedImports] {
		for other, node := range idx.nodes {
			if other == path {
				continue
			}
			if wanted[RelationSimilarStructure] {
				if score := overlapScore(source.Classes, node.Classes) + overlapScore(source.Functions, node.Functions); score > 0 {
					out = append(out, RelatedFile{Path: other, Relation: RelationSimilarStructure, Score: score / 2})
				}
			}
			if wanted[RelationSharedImports] {
				if score := overlapScore(source.Imports, node.Imports); score > 0 {
					out = append(out, RelatedFile{Path: other, Relation: RelationSharedImports, Score: score * 0.8})
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// overlapScore returns |a ∩ b| / max(|a|, |b|), 0 for empty sets.
func overlapScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	shared := 0
	for _, v := range b {
		if set[v] {
			shared++
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(shared) / float64(denom)
}
