package parser

import (
	"strings"
)

// branchTokens increment cyclomatic complexity when they start a branch.
var branchTokens = []string{
	"if ", "for ", "while ", "case ", "catch ", "&&", "||", "elif ", "when ",
	"match ", "select ",
}

// computeComplexity derives the metric record from a unit body. The
// numbers are heuristic but stable: callers compare them across versions
// of the same unit, not across languages.
func computeComplexity(body string, params []string, returnType string) Complexity {
	c := Complexity{
		Cyclomatic: 1,
		Parameters: len(params),
	}
	if returnType != "" {
		c.Returns = 1 + strings.Count(returnType, ",")
	}

	lines := strings.Split(body, "\n")
	c.Lines = len(lines)

	depth, maxDepth := 0, 0
	nestingPenalty := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, tok := range branchTokens {
			n := strings.Count(trimmed, tok)
			c.Cyclomatic += n
			// Cognitive complexity weighs nested branches heavier.
			if n > 0 {
				nestingPenalty += n * (1 + depth)
			}
		}
		depth += strings.Count(trimmed, "{") - strings.Count(trimmed, "}")
		if depth < 0 {
			depth = 0
		}
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	c.Nesting = maxDepth
	c.Cognitive = nestingPenalty
	return c
}
