// Package deptrack maps source ↔ test ↔ doc relationships from static
// scans and conventions, and proposes downstream updates when a watched
// file changes. Proposals are never applied here; they ride the
// orchestrator's approval path.
package deptrack

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"agentflow/pkg/index"
	"agentflow/pkg/logx"
)

// Category buckets related files.
type Category string

const (
	CategoryTests  Category = "tests"
	CategoryDocs   Category = "docs"
	CategoryCode   Category = "code"
	CategoryConfig Category = "config"
)

// Recommendation is the suggested follow-up for one related file.
type Recommendation string

const (
	RecommendCreateTest Recommendation = "create_test"
	RecommendUpdateTest Recommendation = "update_test"
	RecommendUpdateDocs Recommendation = "update_documentation"
	RecommendManual     Recommendation = "manual"
)

// Policy is the configured handling per category.
type Policy string

const (
	PolicyAuto    Policy = "auto"
	PolicySuggest Policy = "suggest"
	PolicyManual  Policy = "manual"
)

// RelatedFiles groups the files related to one source, by category.
type RelatedFiles struct {
	Tests  []string `json:"tests"`
	Docs   []string `json:"docs"`
	Code   []string `json:"code"`
	Config []string `json:"config"`
}

// Empty reports whether no related file was found.
func (r RelatedFiles) Empty() bool {
	return len(r.Tests) == 0 && len(r.Docs) == 0 && len(r.Code) == 0 && len(r.Config) == 0
}

// UpdateProposal is one recommended follow-up for a file change.
type UpdateProposal struct {
	SourceFile     string         `json:"source_file"`
	TargetFile     string         `json:"target_file"`
	Category       Category       `json:"category"`
	Recommendation Recommendation `json:"recommendation"`
}

// edge is one directed relationship with its derivation.
type edge struct {
	source string
	target string
	kind   string // "import", "doc_reference", "convention"
}

// Tracker owns the scanned dependency map for one project root.
type Tracker struct {
	root     string
	logger   *logx.Logger
	policies map[Category]Policy

	mu      sync.RWMutex
	files   map[string]index.FileType
	forward map[string][]string
	reverse map[string][]string
	edges   []edge
}

// NewTracker creates a tracker over root with default policies
// (tests and docs suggest-only, code and config manual).
func NewTracker(root string) *Tracker {
	return &Tracker{
		root:   root,
		logger: logx.NewLogger("deptrack"),
		policies: map[Category]Policy{
			CategoryTests:  PolicySuggest,
			CategoryDocs:   PolicySuggest,
			CategoryCode:   PolicyManual,
			CategoryConfig: PolicyManual,
		},
	}
}

// SetPolicy overrides the handling for one category.
func (t *Tracker) SetPolicy(category Category, policy Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies[category] = policy
}

// PolicyFor returns the configured handling for a category.
func (t *Tracker) PolicyFor(category Category) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policies[category]
}

//nolint:gochecknoglobals // compiled once
var (
	importRe     = regexp.MustCompile(`(?m)^\s*(?:import\s+([\w.]+)|from\s+([\w.]+)\s+import|import\s+\(|"([\w./-]+)")`)
	mdFileRefRe  = regexp.MustCompile("`([\\w./-]+\\.(?:py|go|ya?ml|json))`")
	pyTestConvRe = regexp.MustCompile(`^tests?/(?:unit/)?test_(.+?)(?:_coverage|_final|_critical|_audit)?\.py$`)
	goTestConvRe = regexp.MustCompile(`^(.*)_test\.go$`)
	docConvRe    = regexp.MustCompile(`^docs(?:_src)?/.*/([\w-]+)\.md$`)
)

// Scan walks the project and rebuilds the dependency map. Returns the
// number of relationships found.
func (t *Tracker) Scan(ctx context.Context) (int, error) {
	files := make(map[string]index.FileType)
	contents := make(map[string]string)

	err := filepath.WalkDir(t.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		base := filepath.Base(path)
		if entry.IsDir() {
			if strings.HasPrefix(base, ".") && path != t.root {
				return filepath.SkipDir
			}
			switch base {
			case "__pycache__", "node_modules", "vendor", "venv", "build", "dist", "target":
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") {
			return nil
		}

		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		fileType := index.DetectFileType(rel)
		files[rel] = fileType

		if fileType == index.FileTypeSource || fileType == index.FileTypeTest ||
			fileType == index.FileTypeMarkdown {
			if data, err := os.ReadFile(path); err == nil && len(data) < 1<<20 {
				contents[rel] = string(data)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dependency scan failed: %w", err)
	}

	var edges []edge
	for path, fileType := range files {
		switch fileType {
		case index.FileTypeSource, index.FileTypeTest:
			edges = append(edges, importEdges(path, contents[path], files)...)
		case index.FileTypeMarkdown:
			edges = append(edges, docEdges(path, contents[path], files)...)
		}
		edges = append(edges, conventionEdges(path, files)...)
	}

	t.mu.Lock()
	t.files = files
	t.edges = edges
	t.forward = make(map[string][]string)
	t.reverse = make(map[string][]string)
	for _, e := range edges {
		t.forward[e.source] = appendUnique(t.forward[e.source], e.target)
		t.reverse[e.target] = appendUnique(t.reverse[e.target], e.source)
	}
	t.mu.Unlock()

	t.logger.Info("scan complete: %d files, %d relationships", len(files), len(edges))
	return len(edges), nil
}

// Rescan satisfies the background scheduler's DependencyAnalyzer.
func (t *Tracker) Rescan(ctx context.Context) (int, error) {
	return t.Scan(ctx)
}

// importEdges maps source imports to files present in the scan.
func importEdges(path, content string, files map[string]index.FileType) []edge {
	var out []edge
	for _, m := range importRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if name == "" {
			name = m[3]
		}
		if name == "" {
			continue
		}
		dotted := strings.ReplaceAll(name, ".", "/")
		for candidate := range files {
			trimmed := strings.TrimSuffix(strings.TrimSuffix(candidate, ".py"), ".go")
			if trimmed == dotted || strings.HasSuffix(trimmed, "/"+dotted) {
				if candidate != path {
					out = append(out, edge{source: path, target: candidate, kind: "import"})
				}
			}
		}
	}
	return out
}

// docEdges maps backtick file references in markdown to scanned files.
func docEdges(path, content string, files map[string]index.FileType) []edge {
	var out []edge
	for _, m := range mdFileRefRe.FindAllStringSubmatch(content, -1) {
		ref := m[1]
		for candidate := range files {
			if candidate == ref || strings.HasSuffix(candidate, "/"+ref) {
				out = append(out, edge{source: path, target: candidate, kind: "doc_reference"})
			}
		}
	}
	return out
}

// conventionEdges applies the pattern table: test files map to the
// source they exercise, docs map to their subject, and a directory's
// CLAUDE.md maps to every source file in that directory.
func conventionEdges(path string, files map[string]index.FileType) []edge {
	var out []edge

	if m := pyTestConvRe.FindStringSubmatch(path); m != nil {
		for _, target := range []string{"lib/" + m[1] + ".py", m[1] + ".py"} {
			if _, ok := files[target]; ok {
				out = append(out, edge{source: path, target: target, kind: "convention"})
			}
		}
	}
	if m := goTestConvRe.FindStringSubmatch(path); m != nil {
		target := m[1] + ".go"
		if _, ok := files[target]; ok {
			out = append(out, edge{source: path, target: target, kind: "convention"})
		}
	}
	if m := docConvRe.FindStringSubmatch(path); m != nil {
		for candidate, fileType := range files {
			if fileType != index.FileTypeSource {
				continue
			}
			base := strings.TrimSuffix(filepath.Base(candidate), filepath.Ext(candidate))
			if base == m[1] {
				out = append(out, edge{source: path, target: candidate, kind: "convention"})
			}
		}
	}
	if filepath.Base(path) == "CLAUDE.md" {
		dir := filepath.ToSlash(filepath.Dir(path))
		for candidate, fileType := range files {
			if fileType != index.FileTypeSource || candidate == path {
				continue
			}
			if dir == "." || strings.HasPrefix(candidate, dir+"/") {
				out = append(out, edge{source: path, target: candidate, kind: "convention"})
			}
		}
	}
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	list = append(list, value)
	sort.Strings(list)
	return list
}

// FindRelatedFiles returns the files related to path in either
// direction, categorized.
func (t *Tracker) FindRelatedFiles(path string) RelatedFiles {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var related RelatedFiles
	categorize := func(p string) {
		if seen[p] || p == path {
			return
		}
		seen[p] = true
		switch t.files[p] {
		case index.FileTypeTest:
			related.Tests = append(related.Tests, p)
		case index.FileTypeMarkdown:
			related.Docs = append(related.Docs, p)
		case index.FileTypeSource:
			related.Code = append(related.Code, p)
		case index.FileTypeConfig, index.FileTypeJSON, index.FileTypeYAML:
			related.Config = append(related.Config, p)
		}
	}
	for _, p := range t.forward[path] {
		categorize(p)
	}
	for _, p := range t.reverse[path] {
		categorize(p)
	}
	sort.Strings(related.Tests)
	sort.Strings(related.Docs)
	sort.Strings(related.Code)
	sort.Strings(related.Config)
	return related
}

// Proposals derives the update recommendations for a changed file: one
// per related file, plus a create_test proposal when a source file has
// no test at its conventional location.
func (t *Tracker) Proposals(path string) []UpdateProposal {
	related := t.FindRelatedFiles(path)
	var out []UpdateProposal

	for _, test := range related.Tests {
		out = append(out, UpdateProposal{
			SourceFile: path, TargetFile: test,
			Category: CategoryTests, Recommendation: RecommendUpdateTest,
		})
	}
	for _, doc := range related.Docs {
		out = append(out, UpdateProposal{
			SourceFile: path, TargetFile: doc,
			Category: CategoryDocs, Recommendation: RecommendUpdateDocs,
		})
	}
	for _, code := range related.Code {
		out = append(out, UpdateProposal{
			SourceFile: path, TargetFile: code,
			Category: CategoryCode, Recommendation: RecommendManual,
		})
	}
	for _, cfg := range related.Config {
		out = append(out, UpdateProposal{
			SourceFile: path, TargetFile: cfg,
			Category: CategoryConfig, Recommendation: RecommendManual,
		})
	}

	if target, ok := t.missingTestFor(path); ok {
		out = append(out, UpdateProposal{
			SourceFile: path, TargetFile: target,
			Category: CategoryTests, Recommendation: RecommendCreateTest,
		})
	}
	return out
}

// missingTestFor returns the conventional test path for a source file
// that has no test yet.
func (t *Tracker) missingTestFor(path string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.files[path] != index.FileTypeSource {
		return "", false
	}
	// An existing related test means covered.
	for _, p := range t.reverse[path] {
		if t.files[p] == index.FileTypeTest {
			return "", false
		}
	}

	switch {
	case strings.HasSuffix(path, ".go"):
		return strings.TrimSuffix(path, ".go") + "_test.go", true
	case strings.HasSuffix(path, ".py"):
		base := strings.TrimSuffix(filepath.Base(path), ".py")
		return "tests/unit/test_" + base + ".py", true
	default:
		return "", false
	}
}

// Graph returns copies of the forward and reverse maps.
func (t *Tracker) Graph() (map[string][]string, map[string][]string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	forward := make(map[string][]string, len(t.forward))
	for k, v := range t.forward {
		forward[k] = append([]string{}, v...)
	}
	reverse := make(map[string][]string, len(t.reverse))
	for k, v := range t.reverse {
		reverse[k] = append([]string{}, v...)
	}
	return forward, reverse
}
