package unfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	valid := []string{"/", "/a", "/a/b", "/a.b-c_d", "/with space", "/~!@#"}
	for _, name := range valid {
		assert.True(t, validName(name), "name %q", name)
	}
	invalid := []string{"", "a", "/a/", "//", "/a//b", "/a\x00", "/a\nb", "/\x7fx"}
	for _, name := range invalid {
		assert.False(t, validName(name), "name %q", name)
	}
}

func TestChildOf(t *testing.T) {
	cases := []struct {
		child, parent string
		want          bool
	}{
		{"/a", "/", true},
		{"/a/b", "/a", true},
		{"/a/b/c", "/a", false},
		{"/a", "/a", false},
		{"/", "/", false},
		{"/ab", "/a", false},
		{"/a/b", "/b", false},
		{"/a", "/a/b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, childOf(tc.child, tc.parent), "%q in %q", tc.child, tc.parent)
	}
}

func TestParentBaseName(t *testing.T) {
	assert.Equal(t, "", parentName("/"))
	assert.Equal(t, "/", parentName("/a"))
	assert.Equal(t, "/a", parentName("/a/b"))
	assert.Equal(t, "/", baseName("/"))
	assert.Equal(t, "b", baseName("/a/b"))
}

func TestNameIndexChildren(t *testing.T) {
	ix := newNameIndex()
	for _, name := range []string{"/", "/a", "/a/x", "/a/y", "/ab", "/a/x/deep", "/b"} {
		ix.insert(&node{name: name, isdir: true})
	}
	require.Equal(t, 7, ix.len())

	var got []string
	ix.children("/a", func(n *node) bool {
		got = append(got, n.name)
		return true
	})
	require.Equal(t, []string{"/a/x", "/a/y"}, got)

	got = got[:0]
	ix.children("/", func(n *node) bool {
		got = append(got, n.name)
		return true
	})
	require.Equal(t, []string{"/a", "/ab", "/b"}, got)

	// Remove and re-lookup
	n := ix.get("/a/y")
	require.NotNil(t, n)
	ix.remove(n)
	require.Nil(t, ix.get("/a/y"))
	require.Equal(t, 6, ix.len())
}
