package parser

import (
	"context"
	"strings"
	"time"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"cortex/internal/logging"
)

// GoParser extracts unit records from Go source using Tree-sitter.
type GoParser struct {
	parser *sitter.Parser
}

// NewGoParser creates a Go parser.
func NewGoParser() *GoParser {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &GoParser{parser: p}
}

func (p *GoParser) Language() string              { return "go" }
func (p *GoParser) SupportedExtensions() []string { return []string{".go"} }

// Parse extracts functions, methods, structs, interfaces, type aliases
// and top-level constants.
func (p *GoParser) Parse(path string, content []byte) ([]UnitRecord, error) {
	start := time.Now()

	tree, err := p.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		logging.Get(logging.CategoryParser).Error("go parse failed: %s: %v", path, err)
		return nil, err
	}
	defer tree.Close()

	var units []UnitRecord
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_declaration":
			units = append(units, p.parseFunction(child, content, false))
		case "method_declaration":
			units = append(units, p.parseFunction(child, content, true))
		case "type_declaration":
			units = append(units, p.parseTypeDecl(child, content)...)
		case "const_declaration":
			units = append(units, p.parseConstDecl(child, content)...)
		}
	}

	logging.ParserDebug("parsed %s: %d units in %v", path, len(units), time.Since(start))
	return units, nil
}

func nodeText(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}

func goVisibility(name string) string {
	for _, r := range name {
		if unicode.IsUpper(r) {
			return "public"
		}
		return "private"
	}
	return "private"
}

// docAbove collects the comment block immediately preceding a node.
func docAbove(n *sitter.Node, content []byte) string {
	var lines []string
	cur := n
	for {
		prev := cur.PrevNamedSibling()
		if prev == nil || prev.Type() != "comment" {
			break
		}
		// Only row-adjacent comments count as the doc block.
		if int(cur.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
			break
		}
		lines = append([]string{nodeText(prev, content)}, lines...)
		cur = prev
	}
	return strings.Join(lines, "\n")
}

func (p *GoParser) parseFunction(n *sitter.Node, content []byte, method bool) UnitRecord {
	name := nodeText(n.ChildByFieldName("name"), content)
	qualified := name
	kind := KindFunction
	if method {
		kind = KindMethod
		recv := nodeText(n.ChildByFieldName("receiver"), content)
		recv = strings.Trim(recv, "()")
		if idx := strings.LastIndexByte(recv, ' '); idx >= 0 {
			recv = recv[idx+1:]
		}
		recv = strings.TrimPrefix(recv, "*")
		if recv != "" {
			qualified = recv + "." + name
		}
	}

	body := nodeText(n.ChildByFieldName("body"), content)
	params := splitParams(nodeText(n.ChildByFieldName("parameters"), content))
	returnType := nodeText(n.ChildByFieldName("result"), content)

	sig := nodeText(n, content)
	if bodyNode := n.ChildByFieldName("body"); bodyNode != nil {
		sig = strings.TrimSpace(string(content[n.StartByte():bodyNode.StartByte()]))
	}

	return UnitRecord{
		Kind:          kind,
		Name:          name,
		QualifiedName: qualified,
		StartByte:     int(n.StartByte()),
		EndByte:       int(n.EndByte()),
		StartLine:     int(n.StartPoint().Row) + 1,
		EndLine:       int(n.EndPoint().Row) + 1,
		Signature:     sig,
		Body:          body,
		Docstring:     docAbove(n, content),
		Parameters:    params,
		ReturnType:    strings.TrimSpace(returnType),
		Visibility:    goVisibility(name),
		Complexity:    computeComplexity(body, params, returnType),
	}
}

func (p *GoParser) parseTypeDecl(n *sitter.Node, content []byte) []UnitRecord {
	var units []UnitRecord
	for i := 0; i < int(n.NamedChildCount()); i++ {
		spec := n.NamedChild(i)
		if spec.Type() != "type_spec" && spec.Type() != "type_alias" {
			continue
		}
		name := nodeText(spec.ChildByFieldName("name"), content)
		if name == "" {
			continue
		}
		typeNode := spec.ChildByFieldName("type")
		kind := KindTypeAlias
		if typeNode != nil {
			switch typeNode.Type() {
			case "struct_type":
				kind = KindStruct
			case "interface_type":
				kind = KindInterface
			}
		}
		body := nodeText(spec, content)
		units = append(units, UnitRecord{
			Kind:          kind,
			Name:          name,
			QualifiedName: name,
			StartByte:     int(spec.StartByte()),
			EndByte:       int(spec.EndByte()),
			StartLine:     int(spec.StartPoint().Row) + 1,
			EndLine:       int(spec.EndPoint().Row) + 1,
			Signature:     "type " + name,
			Body:          body,
			Docstring:     docAbove(n, content),
			Visibility:    goVisibility(name),
			Complexity:    computeComplexity(body, nil, ""),
		})
	}
	return units
}

func (p *GoParser) parseConstDecl(n *sitter.Node, content []byte) []UnitRecord {
	var units []UnitRecord
	for i := 0; i < int(n.NamedChildCount()); i++ {
		spec := n.NamedChild(i)
		if spec.Type() != "const_spec" {
			continue
		}
		name := nodeText(spec.ChildByFieldName("name"), content)
		if name == "" || name == "_" {
			continue
		}
		units = append(units, UnitRecord{
			Kind:          KindConstant,
			Name:          name,
			QualifiedName: name,
			StartByte:     int(spec.StartByte()),
			EndByte:       int(spec.EndByte()),
			StartLine:     int(spec.StartPoint().Row) + 1,
			EndLine:       int(spec.EndPoint().Row) + 1,
			Signature:     "const " + name,
			Body:          nodeText(spec, content),
			Visibility:    goVisibility(name),
			Complexity:    Complexity{Cyclomatic: 1, Lines: 1},
		})
	}
	return units
}

func splitParams(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "()")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
