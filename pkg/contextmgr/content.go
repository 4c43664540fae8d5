package contextmgr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"agentflow/pkg/index"
)

// truncationMarker is appended when content is hard-cut mid-file.
const truncationMarker = "[content truncated]"

// FilteredContent is the budget-shaped content of one file.
type FilteredContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Tokens    int    `json:"tokens"`
}

//nolint:gochecknoglobals // compiled once
var (
	blockStartRe = regexp.MustCompile(`(?m)^(def |class |func |type )`)
	importLineRe = regexp.MustCompile(`(?m)^(?:import\s|from\s+[\w.]+\s+import\s).*$`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s`)
	nameRe       = regexp.MustCompile(`^(?:def|class|func|type)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)
)

// codeBlock is one top-level declaration with its local relevance.
type codeBlock struct {
	name  string
	text  string
	score float64
}

// FilterContent extracts the most relevant substructures of a file into
// the given token budget: ranked declarations for source and tests,
// scored sections for markdown, plain truncation otherwise.
func (f *Filter) FilterContent(req Request, filePath string, budget int) (FilteredContent, error) {
	raw, err := f.index.ReadContent(filePath)
	if err != nil {
		return FilteredContent{}, err
	}
	content := string(raw)
	terms := ExtractSearchTerms(req.Task, req.FocusAreas).All()

	node, _ := f.index.NodeByPath(filePath)
	var shaped string
	switch node.FileType {
	case index.FileTypeSource, index.FileTypeTest:
		shaped = f.shapeSource(filePath, content, terms, node.FileType == index.FileTypeTest, budget)
	case index.FileTypeMarkdown:
		shaped = f.shapeMarkdown(content, terms, budget)
	default:
		shaped = content
	}

	final, truncated := f.truncateToBudget(shaped, budget)
	return FilteredContent{
		Path:      filePath,
		Content:   final,
		Truncated: truncated,
		Tokens:    f.tokens.CountTokens(final),
	}, nil
}

// shapeSource ranks top-level declarations by local score, keeps the
// imports verbatim, and annotates each included block. When no blocks
// parse out, the raw content is returned for plain-text handling.
func (f *Filter) shapeSource(filePath, content string, terms []string, isTest bool, budget int) string {
	blocks := splitBlocks(content)
	if len(blocks) == 0 {
		// Parse failure falls back to plain-text scoring.
		return content
	}

	for i := range blocks {
		blocks[i].score = blockScore(blocks[i].name, terms)
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].score > blocks[j].score })

	comment := "//"
	if strings.HasSuffix(filePath, ".py") {
		comment = "#"
	}
	label := "Relevance"
	if isTest {
		label = "Test relevance"
	}

	var b strings.Builder
	for _, line := range importLineRe.FindAllString(content, -1) {
		b.WriteString(strings.TrimRight(line, "\n"))
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}

	for _, block := range blocks {
		candidate := fmt.Sprintf("%s %s: %.2f\n%s\n", comment, label, block.score, strings.TrimRight(block.text, "\n"))
		if budget > 0 && !f.tokens.WithinLimit(b.String()+candidate, budget) {
			break
		}
		b.WriteString(candidate)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return content
	}
	return b.String()
}

// splitBlocks cuts source into top-level declaration blocks.
func splitBlocks(content string) []codeBlock {
	starts := blockStartRe.FindAllStringIndex(content, -1)
	if len(starts) == 0 {
		return nil
	}
	var blocks []codeBlock
	for i, start := range starts {
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		text := content[start[0]:end]
		name := ""
		if m := nameRe.FindStringSubmatch(text); m != nil {
			name = m[1]
		}
		blocks = append(blocks, codeBlock{name: name, text: text})
	}
	return blocks
}

// blockScore is the local relevance of one declaration: exact term
// match 1.0, keyword-in-name 0.5 per hit.
func blockScore(name string, terms []string) float64 {
	if name == "" {
		return 0
	}
	lower := strings.ToLower(name)
	score := 0.0
	for _, term := range terms {
		lt := strings.ToLower(term)
		switch {
		case lower == lt:
			score += 1.0
		case strings.Contains(lower, lt):
			score += 0.5
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// shapeMarkdown splits on headings, scores each section against the
// request terms, and keeps the most relevant until the budget runs out.
func (f *Filter) shapeMarkdown(content string, terms []string, budget int) string {
	starts := headingRe.FindAllStringIndex(content, -1)
	if len(starts) == 0 {
		return content
	}

	type section struct {
		text  string
		score float64
	}
	var sections []section
	// Preamble before the first heading participates too.
	if starts[0][0] > 0 {
		sections = append(sections, section{text: content[:starts[0][0]]})
	}
	for i, start := range starts {
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		sections = append(sections, section{text: content[start[0]:end]})
	}

	for i := range sections {
		lower := strings.ToLower(sections[i].text)
		for _, term := range terms {
			sections[i].score += float64(strings.Count(lower, strings.ToLower(term)))
		}
	}
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].score > sections[j].score })

	var b strings.Builder
	for _, s := range sections {
		candidate := strings.TrimRight(s.text, "\n") + "\n\n"
		if budget > 0 && !f.tokens.WithinLimit(b.String()+candidate, budget) {
			break
		}
		b.WriteString(candidate)
	}
	if b.Len() == 0 {
		return content
	}
	return b.String()
}

// truncateToBudget enforces the token budget, cutting at the last word
// boundary when possible and marking the cut.
func (f *Filter) truncateToBudget(content string, budget int) (string, bool) {
	if budget <= 0 || f.tokens.WithinLimit(content, budget) {
		return content, false
	}

	// Proportional cut, then shrink until within budget.
	total := f.tokens.CountTokens(content)
	cut := len(content) * budget / total
	for cut > 0 && !f.tokens.WithinLimit(content[:cut], budget) {
		cut = cut * 9 / 10
	}
	if cut <= 0 {
		return truncationMarker, true
	}

	truncated := content[:cut]
	if i := strings.LastIndexAny(truncated, " \n\t"); i > 0 {
		truncated = truncated[:i]
	}
	return truncated + "\n" + truncationMarker, true
}
