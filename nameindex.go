package unfs

import (
	"strings"

	"github.com/google/btree"
)

// nameIndex is the in-memory ordered map from canonical path to node.
// Lexicographic order over full paths keeps a directory's children
// contiguous under the directory's prefix, so listing is a bounded
// ascent and rename is a remove + reinsert.
type nameIndex struct {
	tree *btree.BTreeG[*node]
}

func newNameIndex() *nameIndex {
	return &nameIndex{
		tree: btree.NewG(32, func(a, b *node) bool { return a.name < b.name }),
	}
}

func (ix *nameIndex) len() int { return ix.tree.Len() }

func (ix *nameIndex) get(name string) *node {
	n, ok := ix.tree.Get(&node{name: name})
	if !ok {
		return nil
	}
	return n
}

func (ix *nameIndex) insert(n *node) { ix.tree.ReplaceOrInsert(n) }

func (ix *nameIndex) remove(n *node) { ix.tree.Delete(n) }

// walk visits every node in name order until fn returns false.
func (ix *nameIndex) walk(fn func(*node) bool) {
	ix.tree.Ascend(fn)
}

// children visits the immediate children of the directory name in name
// order until fn returns false.
func (ix *nameIndex) children(dir string, fn func(*node) bool) {
	prefix := dir
	if dir != RootName {
		prefix = dir + "/"
	}
	ix.tree.AscendGreaterOrEqual(&node{name: prefix}, func(n *node) bool {
		if !strings.HasPrefix(n.name, prefix) {
			return false
		}
		if childOf(n.name, dir) {
			return fn(n)
		}
		return true
	})
}

// validName reports whether name is a canonical path: it starts with '/',
// does not end with '/' (the root excepted), has no empty component, and
// every byte is printable and not NUL.
func validName(name string) bool {
	if name == RootName {
		return true
	}
	if len(name) < 2 || len(name) > MaxNameLen {
		return false
	}
	if name[0] != '/' || name[len(name)-1] == '/' {
		return false
	}
	prev := byte(0)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' && prev == '/' {
			return false
		}
		if c != '/' && (c < 0x20 || c > 0x7e) {
			return false
		}
		prev = c
	}
	return true
}

// childOf reports whether child is an immediate child of parent: child
// starts with parent, a single '/' follows, and the remainder has no
// further '/'.
func childOf(child, parent string) bool {
	if parent == RootName {
		return len(child) > 1 && child[0] == '/' &&
			!strings.Contains(child[1:], "/")
	}
	if len(child) <= len(parent)+1 || !strings.HasPrefix(child, parent) {
		return false
	}
	if child[len(parent)] != '/' {
		return false
	}
	return !strings.Contains(child[len(parent)+1:], "/")
}

// parentName returns the canonical name of the parent directory. The root
// has no parent.
func parentName(name string) string {
	if name == RootName {
		return ""
	}
	i := strings.LastIndexByte(name, '/')
	if i == 0 {
		return RootName
	}
	return name[:i]
}

// baseName returns the last path component.
func baseName(name string) string {
	if name == RootName {
		return RootName
	}
	return name[strings.LastIndexByte(name, '/')+1:]
}
