package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"/a/b.txt", "/a/b.txt", false},
		{"a/b.txt", "/a/b.txt", false},
		{"/a//b/./c", "/a/b/c", false},
		{"/a/b/../c", "/a/c", false},
		{"/", "/", false},
		{"/a/..", "/", false},
		{"/..", "", true},
		{"/a/../../b", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := NormalizePath(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}
}

func TestPathEscapeTag(t *testing.T) {
	_, err := NormalizePath("/../etc/passwd")
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagPathEscape))
}

func TestPathComponentsAndParent(t *testing.T) {
	p := MustPath("/a/b/c.txt")
	assert.Equal(t, []string{"a", "b", "c.txt"}, p.Components())
	assert.Equal(t, "c.txt", p.Base())
	assert.Equal(t, "/a/b", p.Parent().String())
	assert.Equal(t, "/", Root.Parent().String())
	assert.Nil(t, Root.Components())
}

func TestPathOrdering(t *testing.T) {
	a := MustPath("/a")
	ab := MustPath("/a/b")
	az := MustPath("/a/z")
	b := MustPath("/ab")
	assert.True(t, a.Less(ab))
	assert.True(t, ab.Less(az))
	// Component-wise: descendants of /a come before the sibling /ab.
	assert.True(t, az.Less(b))
	assert.False(t, b.Less(az))
}

func TestPathEquality(t *testing.T) {
	assert.True(t, MustPath("/a/./b").Equal(MustPath("/a/b")))
	assert.False(t, MustPath("/a/b").Equal(MustPath("/a/c")))
}

func TestIsAncestorOf(t *testing.T) {
	assert.True(t, MustPath("/a").IsAncestorOf(MustPath("/a/b/c")))
	assert.False(t, MustPath("/a").IsAncestorOf(MustPath("/ab")))
	assert.True(t, Root.IsAncestorOf(MustPath("/x")))
	assert.False(t, MustPath("/a/b").IsAncestorOf(MustPath("/a")))
}

func TestRebase(t *testing.T) {
	got, err := MustPath("/a/b/c.txt").Rebase(MustPath("/a"), MustPath("/x/y"))
	require.NoError(t, err)
	assert.Equal(t, "/x/y/b/c.txt", got.String())

	_, err = MustPath("/q").Rebase(MustPath("/a"), MustPath("/x"))
	require.Error(t, err)
}
