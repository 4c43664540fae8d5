package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentflow/pkg/logx"
	"agentflow/pkg/metrics"
)

// MaxFileSize is the indexing size cap. Larger files are reported, not
// silently dropped.
const MaxFileSize = 1 << 20 // 1 MiB

// ErrFileTooLarge marks files over the indexing cap.
var ErrFileTooLarge = errors.New("file exceeds index size limit")

// ignoredDirs are never descended into during a build.
//
//nolint:gochecknoglobals // static filter set
var ignoredDirs = map[string]bool{
	"__pycache__": true, ".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true, "venv": true, ".venv": true,
	"build": true, "dist": true, "target": true, ".idea": true,
}

// BuildReport summarizes one build pass.
type BuildReport struct {
	Indexed  int      `json:"indexed"`
	Skipped  int      `json:"skipped"`
	Removed  int      `json:"removed"`
	Oversize []string `json:"oversize,omitempty"`
}

// Index is the in-memory working set over the persistent store. Query
// methods are safe for concurrent use; mutation is serialized.
type Index struct {
	root   string
	store  *Store
	logger *logx.Logger

	mu    sync.RWMutex
	nodes map[string]*FileNode
	edges []DependencyEdge

	forward map[string][]string
	reverse map[string][]string

	funcIndex    map[string][]string
	classIndex   map[string][]string
	importIndex  map[string][]string
	contentIndex map[string]map[string]bool

	// importLines carries per-node import line numbers between
	// extraction and edge derivation.
	importLines map[string]map[string]int

	lastReport BuildReport
}

// New opens the index over the given project root and database path,
// loading any persisted state.
func New(root, dbPath string) (*Index, error) {
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		root:        root,
		store:       store,
		logger:      logx.NewLogger("index"),
		nodes:       make(map[string]*FileNode),
		importLines: make(map[string]map[string]int),
	}

	nodes, err := store.LoadNodes()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	edges, err := store.LoadEdges()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	idx.nodes = nodes
	idx.edges = edges
	idx.rebuildDerivedLocked()
	return idx, nil
}

// Close releases the underlying store.
func (idx *Index) Close() error {
	return idx.store.Close()
}

// Root returns the indexed project root.
func (idx *Index) Root() string { return idx.root }

// LastBuildReport returns the summary of the most recent build.
func (idx *Index) LastBuildReport() BuildReport {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastReport
}

// relPath converts an absolute path under root to the index key form.
func (idx *Index) relPath(path string) string {
	rel, err := filepath.Rel(idx.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// shouldIndex applies the build filters to one path.
func shouldIndex(relPath string, entry fs.DirEntry) bool {
	base := filepath.Base(relPath)
	if entry.IsDir() {
		if ignoredDirs[base] {
			return false
		}
		// Hidden directories are skipped, except the state directory
		// whose documents stay searchable.
		if strings.HasPrefix(base, ".") && base != "." && base != ".orch-state" {
			return false
		}
		return true
	}
	if strings.HasPrefix(base, ".") {
		return false
	}
	// The embedded store's own files never self-index.
	switch filepath.Ext(base) {
	case ".db", ".db-wal", ".db-shm", ".sqlite":
		return false
	}
	return true
}

// Build walks the project root and refreshes the index. Unchanged files
// (same mtime and content hash) are skipped unless force is set.
// Returns the number of files indexed or refreshed.
func (idx *Index) Build(ctx context.Context, force bool) (int, error) {
	start := time.Now()
	report := BuildReport{}
	seen := make(map[string]bool)

	err := filepath.WalkDir(idx.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel := idx.relPath(path)
		if !shouldIndex(rel, entry) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil // raced deletion
		}
		if info.Size() > MaxFileSize {
			report.Oversize = append(report.Oversize, rel)
			idx.logger.Warn("skipping oversize file %s (%d bytes)", rel, info.Size())
			return nil
		}

		seen[rel] = true
		updated, err := idx.indexOne(rel, path, info.Size(), info.ModTime().UnixNano(), force)
		if err != nil {
			idx.logger.Warn("failed to index %s: %v", rel, err)
			return nil
		}
		if updated {
			report.Indexed++
		} else {
			report.Skipped++
		}
		return nil
	})
	if err != nil {
		return report.Indexed, fmt.Errorf("index build failed: %w", err)
	}

	idx.mu.Lock()
	// Files that disappeared are removed.
	for path := range idx.nodes {
		if !seen[path] {
			delete(idx.nodes, path)
			delete(idx.importLines, path)
			report.Removed++
			if err := idx.store.DeleteNode(path); err != nil {
				idx.logger.Warn("failed to remove %s from store: %v", path, err)
			}
		}
	}
	idx.deriveEdgesLocked()
	idx.rebuildDerivedLocked()
	idx.lastReport = report
	idx.mu.Unlock()

	if err := idx.persist(); err != nil {
		return report.Indexed, err
	}
	if err := idx.store.SetMeta("last_scan", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return report.Indexed, err
	}

	metrics.IndexBuildDuration.Observe(time.Since(start).Seconds())
	idx.logger.Info("build complete: %d indexed, %d unchanged, %d removed",
		report.Indexed, report.Skipped, report.Removed)
	return report.Indexed, nil
}

// IndexFile indexes a single file incrementally. Oversize files return
// ErrFileTooLarge.
func (idx *Index) IndexFile(_ context.Context, path string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(idx.root, path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, path, info.Size())
	}

	rel := idx.relPath(abs)
	if _, err := idx.indexOne(rel, abs, info.Size(), info.ModTime().UnixNano(), true); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.deriveEdgesLocked()
	idx.rebuildDerivedLocked()
	idx.mu.Unlock()
	return idx.persist()
}

// indexOne hashes, extracts, and stores a single candidate. Returns
// whether the node changed.
func (idx *Index) indexOne(rel, abs string, size, mtime int64, force bool) (bool, error) {
	idx.mu.RLock()
	existing := idx.nodes[rel]
	idx.mu.RUnlock()

	content, err := os.ReadFile(abs)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if !force && existing != nil && existing.ModTime == mtime && existing.ContentHash == hash {
		return false, nil
	}

	fileType := DetectFileType(rel)
	st := extractStructure(rel, fileType, content)

	node := &FileNode{
		Path:        rel,
		FileType:    fileType,
		Size:        size,
		ModTime:     mtime,
		ContentHash: hash,
		Imports:     st.imports,
		Exports:     st.exports,
		Classes:     st.classes,
		Functions:   st.functions,
	}
	if existing != nil {
		node.AccessCount = existing.AccessCount
		node.LastAccessed = existing.LastAccessed
	}

	idx.mu.Lock()
	idx.nodes[rel] = node
	idx.importLines[rel] = st.importLines
	idx.mu.Unlock()
	return true, nil
}

// ReadContent reads an indexed file's current content from disk.
func (idx *Index) ReadContent(path string) ([]byte, error) {
	abs := filepath.Join(idx.root, filepath.FromSlash(path))
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// deriveEdgesLocked recomputes dependency edges from extracted imports.
func (idx *Index) deriveEdgesLocked() {
	var edges []DependencyEdge
	for source, node := range idx.nodes {
		lines := idx.importLines[source]
		for _, imp := range node.Imports {
			for _, target := range idx.resolveImportLocked(imp) {
				if target == source {
					continue
				}
				edges = append(edges, DependencyEdge{
					Source:     source,
					Target:     target,
					ImportKind: "import",
					Line:       lines[imp],
					Strength:   1.0,
				})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	idx.edges = edges
}

// resolveImportLocked maps an import string to indexed file paths.
// Go imports resolve by package directory suffix; Python dotted modules
// resolve by file path.
func (idx *Index) resolveImportLocked(imp string) []string {
	var out []string

	// Python-style dotted module: a.b -> a/b.py or a/b/__init__.py.
	dotted := strings.ReplaceAll(imp, ".", "/")
	for path := range idx.nodes {
		trimmed := strings.TrimSuffix(path, ".py")
		if trimmed == dotted || strings.HasSuffix(trimmed, "/"+dotted) ||
			trimmed == dotted+"/__init__" {
			out = append(out, path)
			continue
		}
		// Go-style package path: match files whose directory is the
		// import's trailing segments.
		dir := filepath.ToSlash(filepath.Dir(path))
		if strings.HasSuffix(path, ".go") && dir != "." &&
			(imp == dir || strings.HasSuffix(imp, "/"+dir)) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// rebuildDerivedLocked refreshes graphs and inverted indices from the
// node and edge sets.
func (idx *Index) rebuildDerivedLocked() {
	idx.forward = make(map[string][]string)
	idx.reverse = make(map[string][]string)
	for i := range idx.edges {
		e := &idx.edges[i]
		idx.forward[e.Source] = addUnique(idx.forward[e.Source], e.Target)
		idx.reverse[e.Target] = addUnique(idx.reverse[e.Target], e.Source)
	}

	idx.funcIndex = make(map[string][]string)
	idx.classIndex = make(map[string][]string)
	idx.importIndex = make(map[string][]string)
	idx.contentIndex = make(map[string]map[string]bool)

	for path, node := range idx.nodes {
		node.Dependencies = append([]string{}, idx.forward[path]...)
		node.ReverseDependencies = append([]string{}, idx.reverse[path]...)

		for _, f := range node.Functions {
			key := strings.ToLower(f)
			idx.funcIndex[key] = addUnique(idx.funcIndex[key], path)
		}
		for _, c := range node.Classes {
			key := strings.ToLower(c)
			idx.classIndex[key] = addUnique(idx.classIndex[key], path)
		}
		for _, imp := range node.Imports {
			key := strings.ToLower(imp)
			idx.importIndex[key] = addUnique(idx.importIndex[key], path)
		}

		if content, err := idx.ReadContent(path); err == nil {
			for _, token := range tokenize(string(content)) {
				set := idx.contentIndex[token]
				if set == nil {
					set = make(map[string]bool)
					idx.contentIndex[token] = set
				}
				set[path] = true
			}
		}
	}
}

// persist writes the current node and edge sets to the store.
func (idx *Index) persist() error {
	idx.mu.RLock()
	nodes := make([]*FileNode, 0, len(idx.nodes))
	for _, node := range idx.nodes {
		nodes = append(nodes, node)
	}
	edges := append([]DependencyEdge{}, idx.edges...)
	idx.mu.RUnlock()

	for _, node := range nodes {
		if err := idx.store.SaveNode(node); err != nil {
			return err
		}
	}
	return idx.store.ReplaceEdges(edges)
}

// NodeByPath returns a copy of the node for the given path.
func (idx *Index) NodeByPath(path string) (FileNode, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	node, ok := idx.nodes[path]
	if !ok {
		return FileNode{}, false
	}
	return *node, true
}

// Paths returns every indexed path in sorted order.
func (idx *Index) Paths() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.nodes))
	for path := range idx.nodes {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Edges returns a copy of the dependency edges.
func (idx *Index) Edges() []DependencyEdge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]DependencyEdge{}, idx.edges...)
}

// TrackFileAccess bumps the file's access count and last-access time.
func (idx *Index) TrackFileAccess(path string) {
	idx.mu.Lock()
	node, ok := idx.nodes[path]
	if !ok {
		idx.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	node.AccessCount++
	node.LastAccessed = &now
	copied := *node
	idx.mu.Unlock()

	if err := idx.store.SaveNode(&copied); err != nil {
		idx.logger.Warn("failed to persist access for %s: %v", path, err)
	}
}
