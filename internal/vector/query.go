package vector

import (
	"regexp"
	"strings"
)

// Intent classifies what a query is after.
type Intent string

const (
	IntentCode          Intent = "code"
	IntentDocumentation Intent = "documentation"
	IntentExamples      Intent = "examples"
	IntentDefinition    Intent = "definition"
	IntentSimilarity    Intent = "similarity"
	IntentGeneral       Intent = "general"
)

// ProcessedQuery is the result of the query pipeline: normalize, classify,
// extract keywords and inline filters, optionally expand.
type ProcessedQuery struct {
	Original   string
	Normalized string
	Intent     Intent
	Keywords   []string
	Filters    map[string]string // key:value tokens
	Exclusions []string          // leading -value tokens
	Expansions []string
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true, "and": true,
	"or": true, "not": true, "this": true, "that": true, "it": true, "its": true,
	"how": true, "what": true, "where": true, "do": true, "does": true, "i": true,
	"me": true, "my": true, "show": true, "find": true, "get": true, "can": true,
}

var whitespaceRe = regexp.MustCompile(`\s+`)

var synonyms = map[string][]string{
	"function": {"method", "func"},
	"error":    {"failure", "fault"},
	"delete":   {"remove", "drop"},
	"create":   {"add", "insert"},
	"config":   {"configuration", "settings"},
	"test":     {"spec", "check"},
}

var intentExpansions = map[Intent][]string{
	IntentExamples:      {"example", "usage"},
	IntentDocumentation: {"docs", "readme"},
	IntentDefinition:    {"declaration", "definition"},
}

// QueryOptions tunes the processing pipeline.
type QueryOptions struct {
	Expand bool
}

// ProcessQuery runs the full pipeline over a raw query string.
func ProcessQuery(raw string, opts QueryOptions) *ProcessedQuery {
	q := &ProcessedQuery{
		Original: raw,
		Filters:  make(map[string]string),
	}

	// Normalize: lowercase, collapse whitespace.
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = whitespaceRe.ReplaceAllString(norm, " ")

	// Extract inline filters (key:value) and exclusions (-value) before
	// keyword extraction.
	var rest []string
	for _, token := range strings.Fields(norm) {
		switch {
		case strings.HasPrefix(token, "-") && len(token) > 1:
			q.Exclusions = append(q.Exclusions, strings.TrimPrefix(token, "-"))
		case strings.Contains(token, ":") && !strings.HasPrefix(token, ":"):
			parts := strings.SplitN(token, ":", 2)
			if parts[1] != "" {
				q.Filters[parts[0]] = parts[1]
				continue
			}
			rest = append(rest, token)
		default:
			rest = append(rest, token)
		}
	}
	q.Normalized = strings.Join(rest, " ")

	q.Intent = classifyIntent(q.Normalized)

	// Keywords: drop stop words and punctuation-only tokens.
	for _, token := range rest {
		token = strings.Trim(token, `.,;!?"'()[]{}`)
		if token == "" || stopWords[token] {
			continue
		}
		q.Keywords = append(q.Keywords, token)
	}

	if opts.Expand {
		seen := make(map[string]bool, len(q.Keywords))
		for _, kw := range q.Keywords {
			seen[kw] = true
		}
		for _, kw := range q.Keywords {
			for _, syn := range synonyms[kw] {
				if !seen[syn] {
					seen[syn] = true
					q.Expansions = append(q.Expansions, syn)
				}
			}
		}
		for _, extra := range intentExpansions[q.Intent] {
			if !seen[extra] {
				seen[extra] = true
				q.Expansions = append(q.Expansions, extra)
			}
		}
	}
	return q
}

func classifyIntent(norm string) Intent {
	switch {
	case containsAny(norm, "similar to", "like this", "related to"):
		return IntentSimilarity
	case containsAny(norm, "example", "usage", "how to use", "sample"):
		return IntentExamples
	case containsAny(norm, "doc", "documentation", "readme", "guide", "explain"):
		return IntentDocumentation
	case containsAny(norm, "definition", "defined", "declaration", "where is", "signature"):
		return IntentDefinition
	case containsAny(norm, "func", "function", "method", "class", "struct", "implement", "code", "bug", "error"):
		return IntentCode
	default:
		return IntentGeneral
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Terms returns keywords plus expansions, for ranking.
func (q *ProcessedQuery) Terms() []string {
	out := make([]string, 0, len(q.Keywords)+len(q.Expansions))
	out = append(out, q.Keywords...)
	out = append(out, q.Expansions...)
	return out
}
