// Package index maintains the durable, incrementally built file index:
// per-file structure, a forward/reverse dependency graph, and inverted
// search indices, persisted in an embedded SQLite store.
package index

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileType is the semantic class of an indexed file.
type FileType string

const (
	FileTypeSource   FileType = "source"
	FileTypeTest     FileType = "test"
	FileTypeMarkdown FileType = "markdown"
	FileTypeJSON     FileType = "json"
	FileTypeYAML     FileType = "yaml"
	FileTypeConfig   FileType = "config"
	FileTypeOther    FileType = "other"
)

// FileNode is the index's record for one file: metadata plus extracted
// structure.
type FileNode struct {
	Path        string   `json:"path"`
	FileType    FileType `json:"file_type"`
	Size        int64    `json:"size"`
	ModTime     int64    `json:"mtime"` // unix nanoseconds
	ContentHash string   `json:"content_hash"`

	Imports   []string `json:"imports"`
	Exports   []string `json:"exports"`
	Classes   []string `json:"classes"`
	Functions []string `json:"functions"`

	Dependencies        []string `json:"dependencies"`
	ReverseDependencies []string `json:"reverse_dependencies"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed"` // nil until first access
}

// DependencyEdge is one directed import relationship between two files.
type DependencyEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	ImportKind string  `json:"import_kind"`
	Line       int     `json:"line"`
	Strength   float64 `json:"strength"`
}

// DetectFileType classifies a path by name and extension.
func DetectFileType(path string) FileType {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))

	if strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") && ext == ".py" ||
		strings.HasSuffix(strings.TrimSuffix(base, ext), "_test") {
		return FileTypeTest
	}

	switch ext {
	case ".go", ".py":
		return FileTypeSource
	case ".md", ".markdown":
		return FileTypeMarkdown
	case ".json":
		return FileTypeJSON
	case ".yaml", ".yml":
		return FileTypeYAML
	case ".toml", ".ini", ".cfg", ".conf", ".env":
		return FileTypeConfig
	default:
		if base == "Makefile" || base == "Dockerfile" {
			return FileTypeConfig
		}
		return FileTypeOther
	}
}

// addUnique appends value to list when absent, keeping the list sorted.
func addUnique(list []string, value string) []string {
	i := sort.SearchStrings(list, value)
	if i < len(list) && list[i] == value {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = value
	return list
}
