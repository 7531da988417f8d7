package unfs

import (
	"go.uber.org/zap"

	"github.com/unfsio/unfs/device"
)

// DirEntry describes one immediate child of a directory. Size is the byte
// size for files and the child count for directories.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint64
}

// Create makes a file or directory with the canonical name. Creation is
// idempotent: an existing entry of the same kind is a success. With
// mkparents set, missing intermediate directories are created.
func (fs *FileSystem) Create(name string, isdir, mkparents bool) error {
	if !validName(name) {
		return NewError(ErrInvalidArgument)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	return fs.withContext(func(ioc *device.Context) error {
		_, err := fs.createLocked(ioc, name, isdir, mkparents)
		return err
	})
}

// createLocked creates name under the filesystem write lock and persists
// the new entry and its parent synchronously.
func (fs *FileSystem) createLocked(ioc *device.Context, name string, isdir, mkparents bool) (*node, error) {
	if n := fs.index.get(name); n != nil {
		if n.isdir != isdir {
			return nil, NewError(ErrExists)
		}
		return n, nil
	}
	p := fs.index.get(parentName(name))
	if p == nil {
		if !mkparents {
			return nil, NewError(ErrNotFound)
		}
		var err error
		if p, err = fs.createLocked(ioc, parentName(name), true, true); err != nil {
			return nil, err
		}
	}
	if !p.isdir {
		return nil, NewError(ErrInvalidArgument)
	}

	slot, err := fs.allocEntry()
	if err != nil {
		return nil, err
	}
	n := &node{
		name:     name,
		pageid:   slot,
		parent:   p,
		parentID: p.pageid,
		isdir:    isdir,
	}
	fs.index.insert(n)
	fs.bySlot[slot] = n
	fs.hdr.FDCount++
	if isdir {
		fs.hdr.DirCount++
	}
	p.size++

	if err := fs.syncNode(ioc, n); err != nil {
		return nil, err
	}
	if err := fs.syncNode(ioc, p); err != nil {
		return nil, err
	}
	if err := fs.syncMeta(ioc); err != nil {
		return nil, err
	}
	fs.log.Debug("created", zap.String("name", name), zap.Bool("dir", isdir),
		zap.Uint64("slot", slot))
	return n, nil
}

// Remove deletes the named file or directory. A directory must be empty; a
// file must not be open.
func (fs *FileSystem) Remove(name string, isdir bool) error {
	if !validName(name) || name == RootName {
		return NewError(ErrInvalidArgument)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	n := fs.index.get(name)
	if n == nil || n.isdir != isdir {
		return NewError(ErrNotFound)
	}
	if n.open > 0 || (n.isdir && n.size > 0) {
		return NewError(ErrBusy)
	}
	return fs.withContext(func(ioc *device.Context) error {
		return fs.removeLocked(ioc, n)
	})
}

// removeLocked detaches the node, returns its data pages and entry slot,
// and persists the parent's new child count.
func (fs *FileSystem) removeLocked(ioc *device.Context, n *node) error {
	for _, s := range n.segs {
		fs.freeData(s.pageid, s.pagecount)
	}
	fs.index.remove(n)
	delete(fs.bySlot, n.pageid)
	fs.hdr.FDCount--
	if n.isdir {
		fs.hdr.DirCount--
	}
	p := n.parent
	p.size--

	if err := fs.releaseSlot(ioc, n.pageid); err != nil {
		return err
	}
	if err := fs.syncNode(ioc, p); err != nil {
		return err
	}
	if err := fs.syncMeta(ioc); err != nil {
		return err
	}
	fs.log.Debug("removed", zap.String("name", n.name), zap.Bool("dir", n.isdir))
	return nil
}

// Rename moves src to dst under the filesystem lock. With override set an
// existing destination is removed first, provided it is closed and, for
// directories, empty. A non-empty or open source cannot be renamed.
func (fs *FileSystem) Rename(src, dst string, override bool) error {
	if !validName(src) || !validName(dst) || src == RootName || dst == RootName {
		return NewError(ErrInvalidArgument)
	}
	if src == dst {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	n := fs.index.get(src)
	if n == nil {
		return NewError(ErrNotFound)
	}
	if n.open > 0 || (n.isdir && n.size > 0) {
		return NewError(ErrBusy)
	}
	d := fs.index.get(dst)
	if d != nil {
		if !override {
			return NewError(ErrExists)
		}
		if d.open > 0 || (d.isdir && d.size > 0) {
			return NewError(ErrBusy)
		}
	}
	np := fs.index.get(parentName(dst))
	if np == nil {
		return NewError(ErrNotFound)
	}
	// A directory cannot become its own parent (/a -> /a/b); deeper nesting
	// is already unreachable because only empty directories rename
	if !np.isdir || np == n {
		return NewError(ErrInvalidArgument)
	}

	return fs.withContext(func(ioc *device.Context) error {
		if d != nil {
			if err := fs.removeLocked(ioc, d); err != nil {
				return err
			}
		}
		op := n.parent
		fs.index.remove(n)
		n.name = dst
		fs.index.insert(n)
		n.parent = np
		n.parentID = np.pageid
		op.size--
		np.size++

		if err := fs.syncNode(ioc, n); err != nil {
			return err
		}
		if err := fs.syncNode(ioc, op); err != nil {
			return err
		}
		if op != np {
			if err := fs.syncNode(ioc, np); err != nil {
				return err
			}
		}
		if err := fs.syncMeta(ioc); err != nil {
			return err
		}
		fs.log.Debug("renamed", zap.String("src", src), zap.String("dst", dst))
		return nil
	})
}

// Exist reports whether the canonical name exists, whether it is a
// directory, and its size (child count for directories).
func (fs *FileSystem) Exist(name string) (exists, isdir bool, size uint64, err error) {
	if !validName(name) {
		return false, false, 0, NewError(ErrInvalidArgument)
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return false, false, 0, NewError(ErrInvalidHandle)
	}
	n := fs.index.get(name)
	if n == nil {
		return false, false, 0, nil
	}
	return true, n.isdir, n.size, nil
}

// DirList returns the immediate children of the named directory.
func (fs *FileSystem) DirList(name string) ([]DirEntry, error) {
	if !validName(name) {
		return nil, NewError(ErrInvalidArgument)
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, NewError(ErrInvalidHandle)
	}
	d := fs.index.get(name)
	if d == nil || !d.isdir {
		return nil, NewError(ErrNotFound)
	}
	list := make([]DirEntry, 0, d.size)
	fs.index.children(name, func(n *node) bool {
		list = append(list, DirEntry{Name: n.name, IsDir: n.isdir, Size: n.size})
		return true
	})
	return list, nil
}

// FileOpen opens the named file and returns a descriptor. The error, if
// any, rides on the descriptor: inspect it with (*File).Err.
func (fs *FileSystem) FileOpen(name string, mode OpenMode) *File {
	f := &File{fs: fs, mode: mode}
	if !validName(name) || name == RootName {
		f.err = NewError(ErrInvalidArgument)
		return f
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		f.err = NewError(ErrInvalidHandle)
		return f
	}
	n := fs.index.get(name)
	if n == nil {
		if mode&OpenCreate == 0 {
			f.err = NewError(ErrNotFound)
			return f
		}
		err := fs.withContext(func(ioc *device.Context) error {
			var err error
			n, err = fs.createLocked(ioc, name, false, false)
			return err
		})
		if err != nil {
			f.err = err
			return f
		}
	}
	if n.isdir {
		f.err = NewError(ErrInvalidArgument)
		return f
	}
	if mode&OpenExclusive != 0 && n.open > 0 {
		f.err = NewError(ErrBusy)
		return f
	}
	n.open++
	f.node = n
	return f
}
