// Package contextmgr selects and shapes the repository context an agent
// sees: a five-signal relevance scorer over the file index, token-budget
// content filtering, and the agent-memory store feeding the historical
// signal.
package contextmgr

import (
	"regexp"
	"strings"
)

// SearchTerms is the request vocabulary extracted from a task
// description and focus areas.
type SearchTerms struct {
	Keywords      []string
	FunctionNames []string
	ClassNames    []string
	FilePatterns  []string
	Concepts      []string
}

// All returns every term across categories, deduplicated.
func (t SearchTerms) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{t.Keywords, t.FunctionNames, t.ClassNames, t.FilePatterns, t.Concepts} {
		for _, term := range group {
			if !seen[term] {
				seen[term] = true
				out = append(out, term)
			}
		}
	}
	return out
}

//nolint:gochecknoglobals // compiled once
var (
	wordRe      = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	camelCaseRe = regexp.MustCompile(`^[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+$`)
	snakeCaseRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)+$`)
	filePatRe   = regexp.MustCompile(`[\w./-]+\.(?:go|py|md|json|ya?ml|toml)`)

	stopwords = map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "that": true,
		"this": true, "from": true, "into": true, "should": true, "must": true,
		"implement": true, "create": true, "update": true, "add": true,
		"use": true, "using": true, "new": true, "all": true, "when": true,
	}
)

// ExtractSearchTerms derives the scoring vocabulary from a task
// description and focus areas. CamelCase words become class names,
// snake_case words become function names, extension-bearing tokens
// become file patterns, and the remaining significant words become
// keywords. Focus areas land in concepts, trimmed and lower-cased.
func ExtractSearchTerms(task string, focusAreas []string) SearchTerms {
	var terms SearchTerms
	seen := make(map[string]bool)
	add := func(list *[]string, value string) {
		key := strings.ToLower(value)
		if seen[key] {
			return
		}
		seen[key] = true
		*list = append(*list, value)
	}

	for _, pattern := range filePatRe.FindAllString(task, -1) {
		add(&terms.FilePatterns, pattern)
	}
	for _, word := range wordRe.FindAllString(task, -1) {
		switch {
		case camelCaseRe.MatchString(word):
			add(&terms.ClassNames, word)
		case snakeCaseRe.MatchString(word):
			add(&terms.FunctionNames, word)
		default:
			lower := strings.ToLower(word)
			if len(lower) > 2 && !stopwords[lower] {
				add(&terms.Keywords, lower)
			}
		}
	}
	for _, area := range focusAreas {
		add(&terms.Concepts, strings.ToLower(strings.TrimSpace(area)))
	}
	return terms
}
