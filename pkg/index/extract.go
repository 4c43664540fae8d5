package index

import (
	"encoding/json"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxExportKeys caps the top-level keys extracted from data files.
const maxExportKeys = 20

// structure is the extraction result for one file.
type structure struct {
	imports   []string
	exports   []string
	classes   []string
	functions []string
	// importLines records the source line of each import for edges.
	importLines map[string]int
}

// extractStructure parses content according to the file's type.
// Extraction failures degrade to an empty structure rather than failing
// the build; the file is still indexed by content.
func extractStructure(path string, fileType FileType, content []byte) structure {
	switch fileType {
	case FileTypeSource, FileTypeTest:
		if strings.HasSuffix(path, ".go") {
			return extractGo(content)
		}
		if strings.HasSuffix(path, ".py") {
			return extractPython(content)
		}
		return structure{}
	case FileTypeJSON:
		return extractJSONKeys(content)
	case FileTypeYAML:
		return extractYAMLKeys(content)
	default:
		// Markdown and config files carry no structural extraction.
		return structure{}
	}
}

// extractGo parses a Go file and collects imports, type declarations
// (the "classes" of the index), and function names.
func extractGo(content []byte) structure {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", content, parser.ImportsOnly|parser.ParseComments)
	// Full parse for declarations; fall back to imports-only result.
	full, fullErr := parser.ParseFile(fset, "", content, parser.ParseComments)
	if fullErr == nil {
		file = full
	} else if err != nil {
		return structure{}
	}

	out := structure{importLines: make(map[string]int)}
	for _, imp := range file.Imports {
		pathValue, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		out.imports = append(out.imports, pathValue)
		out.importLines[pathValue] = fset.Position(imp.Pos()).Line
	}

	if fullErr != nil {
		return out
	}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			out.functions = append(out.functions, d.Name.Name)
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					out.classes = append(out.classes, ts.Name.Name)
				}
			}
		}
	}
	return out
}

//nolint:gochecknoglobals // compiled once
var (
	pyImportRe     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	pyFromImportRe = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import`)
	pyClassRe      = regexp.MustCompile(`(?m)^\s*class\s+(\w+)`)
	pyDefRe        = regexp.MustCompile(`(?m)^\s*def\s+(\w+)`)
)

// extractPython collects imports, classes, and functions from Python
// source with line-anchored patterns. Good enough for indexing; the
// engine never executes the code.
func extractPython(content []byte) structure {
	text := string(content)
	out := structure{importLines: make(map[string]int)}

	lineOf := func(offset int) int {
		return strings.Count(text[:offset], "\n") + 1
	}
	for _, m := range pyImportRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		out.imports = append(out.imports, name)
		out.importLines[name] = lineOf(m[0])
	}
	for _, m := range pyFromImportRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		out.imports = append(out.imports, name)
		out.importLines[name] = lineOf(m[0])
	}
	for _, m := range pyClassRe.FindAllStringSubmatch(text, -1) {
		out.classes = append(out.classes, m[1])
	}
	for _, m := range pyDefRe.FindAllStringSubmatch(text, -1) {
		out.functions = append(out.functions, m[1])
	}
	return out
}

// extractJSONKeys exposes top-level object keys as exports.
func extractJSONKeys(content []byte) structure {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return structure{}
	}
	return structure{exports: capKeys(doc)}
}

// extractYAMLKeys exposes top-level mapping keys as exports.
func extractYAMLKeys(content []byte) structure {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return structure{}
	}
	keys := make(map[string]json.RawMessage, len(doc))
	for k := range doc {
		keys[k] = nil
	}
	return structure{exports: capKeys(keys)}
}

func capKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxExportKeys {
		keys = keys[:maxExportKeys]
	}
	return keys
}

// tokenize splits content into lower-cased word tokens for the content
// index, each token once. Tokens of length <= 2 carry no signal and are
// skipped.
//
//nolint:gochecknoglobals // compiled once
var tokenRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

func tokenize(content string) []string {
	matches := tokenRe.FindAllString(content, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		token := strings.ToLower(m)
		if len(token) <= 2 || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}
