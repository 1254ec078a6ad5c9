package parser

import (
	"regexp"
	"strings"
)

// GenericParser is the regex fallback for languages without a dedicated
// front-end. It recognizes the common declaration shapes of brace and
// indentation languages well enough to give units stable identities; the
// dedicated Tree-sitter parsers are preferred whenever registered.
type GenericParser struct {
	patterns []genericPattern
}

type genericPattern struct {
	kind UnitKind
	re   *regexp.Regexp
}

// NewGenericParser builds the fallback parser.
func NewGenericParser() *GenericParser {
	return &GenericParser{patterns: []genericPattern{
		{KindFunction, regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{KindFunction, regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{KindFunction, regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)`)},
		{KindStruct, regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{KindEnum, regexp.MustCompile(`^\s*(?:pub\s+)?enum\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{KindTrait, regexp.MustCompile(`^\s*(?:pub\s+)?trait\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{KindClass, regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)},
		{KindInterface, regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][A-Za-z0-9_$]*)`)},
		{KindModule, regexp.MustCompile(`^\s*(?:pub\s+)?mod\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	}}
}

func (p *GenericParser) Language() string              { return "generic" }
func (p *GenericParser) SupportedExtensions() []string { return nil }

// Parse scans line-by-line for declarations. A unit's extent runs to the
// next declaration at the same or lower indentation, which is coarse but
// stable across re-parses.
func (p *GenericParser) Parse(path string, content []byte) ([]UnitRecord, error) {
	lines := strings.Split(string(content), "\n")

	type match struct {
		kind   UnitKind
		name   string
		line   int // 0-based
		indent int
	}
	var matches []match
	for i, line := range lines {
		for _, pat := range p.patterns {
			if m := pat.re.FindStringSubmatch(line); m != nil {
				matches = append(matches, match{
					kind:   pat.kind,
					name:   m[1],
					line:   i,
					indent: indentOf(line),
				})
				break
			}
		}
	}

	byteOffsets := lineByteOffsets(lines)
	units := make([]UnitRecord, 0, len(matches))
	for idx, m := range matches {
		endLine := len(lines) - 1
		for j := idx + 1; j < len(matches); j++ {
			if matches[j].indent <= m.indent {
				endLine = matches[j].line - 1
				break
			}
		}
		if endLine < m.line {
			endLine = m.line
		}
		body := strings.Join(lines[m.line:endLine+1], "\n")
		visibility := "public"
		if strings.HasPrefix(m.name, "_") {
			visibility = "private"
		}
		endByte := byteOffsets[endLine] + len(lines[endLine])
		units = append(units, UnitRecord{
			Kind:          m.kind,
			Name:          m.name,
			QualifiedName: m.name,
			StartByte:     byteOffsets[m.line],
			EndByte:       endByte,
			StartLine:     m.line + 1,
			EndLine:       endLine + 1,
			Signature:     strings.TrimSpace(lines[m.line]),
			Body:          body,
			Visibility:    visibility,
			Complexity:    computeComplexity(body, nil, ""),
		})
	}
	return units, nil
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

func lineByteOffsets(lines []string) []int {
	offsets := make([]int, len(lines))
	pos := 0
	for i, line := range lines {
		offsets[i] = pos
		pos += len(line) + 1
	}
	return offsets
}
