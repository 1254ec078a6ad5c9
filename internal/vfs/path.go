// Package vfs implements the content-addressed virtual filesystem:
// path-addressed file trees with BLAKE3 deduplication, reference-counted
// blobs, an LRU+TTL content cache, lazy materialization to disk and
// bidirectional disk sync.
package vfs

import (
	"strings"

	"cortex/internal/cortexerr"
)

// VirtualPath is a normalized absolute slash-delimited path inside a
// workspace. The zero value is invalid; build one with NormalizePath.
type VirtualPath struct {
	raw string // always starts with "/", no trailing slash except root
}

// Root is the workspace root path.
var Root = VirtualPath{raw: "/"}

// NormalizePath validates and normalizes a path string. "." components are
// dropped, ".." pops a component, and popping past the root fails with
// PathEscape. Empty components collapse.
func NormalizePath(p string) (VirtualPath, error) {
	if p == "" {
		return VirtualPath{}, cortexerr.InvalidInput("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	parts := strings.Split(p, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return VirtualPath{}, cortexerr.PathEscape("path %q escapes the workspace root", p)
			}
			stack = stack[:len(stack)-1]
		default:
			if strings.ContainsAny(part, "/\x00") {
				return VirtualPath{}, cortexerr.InvalidInput("path component %q carries a separator byte", part)
			}
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return Root, nil
	}
	return VirtualPath{raw: "/" + strings.Join(stack, "/")}, nil
}

// MustPath normalizes or panics; for literals in tests and wiring.
func MustPath(p string) VirtualPath {
	vp, err := NormalizePath(p)
	if err != nil {
		panic(err)
	}
	return vp
}

// String returns the normalized path string.
func (p VirtualPath) String() string { return p.raw }

// IsRoot reports whether the path is the workspace root.
func (p VirtualPath) IsRoot() bool { return p.raw == "/" }

// IsZero reports whether the path was never normalized.
func (p VirtualPath) IsZero() bool { return p.raw == "" }

// Components returns the path components in order; empty for the root.
func (p VirtualPath) Components() []string {
	if p.IsRoot() || p.IsZero() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.raw, "/"), "/")
}

// Base returns the final component; "/" for the root.
func (p VirtualPath) Base() string {
	if p.IsRoot() {
		return "/"
	}
	idx := strings.LastIndexByte(p.raw, '/')
	return p.raw[idx+1:]
}

// Parent returns the containing directory; the root is its own parent.
func (p VirtualPath) Parent() VirtualPath {
	if p.IsRoot() || p.IsZero() {
		return Root
	}
	idx := strings.LastIndexByte(p.raw, '/')
	if idx == 0 {
		return Root
	}
	return VirtualPath{raw: p.raw[:idx]}
}

// Join appends components, normalizing the result.
func (p VirtualPath) Join(parts ...string) (VirtualPath, error) {
	return NormalizePath(p.raw + "/" + strings.Join(parts, "/"))
}

// Equal reports component-wise equality.
func (p VirtualPath) Equal(o VirtualPath) bool { return p.raw == o.raw }

// Less orders paths lexicographically component-wise, so every subtree
// sorts contiguously right after its root.
func (p VirtualPath) Less(o VirtualPath) bool {
	a, b := p.Components(), o.Components()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// IsAncestorOf reports whether p strictly contains o.
func (p VirtualPath) IsAncestorOf(o VirtualPath) bool {
	if p.IsRoot() {
		return !o.IsRoot()
	}
	return strings.HasPrefix(o.raw, p.raw+"/")
}

// Rebase rewrites a path from under `from` to under `to`. The receiver
// must equal `from` or be a descendant of it.
func (p VirtualPath) Rebase(from, to VirtualPath) (VirtualPath, error) {
	if p.Equal(from) {
		return to, nil
	}
	if !from.IsAncestorOf(p) {
		return VirtualPath{}, cortexerr.InvalidInput("%s is not under %s", p, from)
	}
	suffix := strings.TrimPrefix(p.raw, strings.TrimSuffix(from.raw, "/"))
	return NormalizePath(to.raw + suffix)
}
