package unfs

import (
	"github.com/unfsio/unfs/device"
)

// File is an open file descriptor. FileOpen always returns one; a failed
// open rides its error on the descriptor, so callers branch on Err without
// a side channel. A descriptor holds the node through its open counter and
// is invalidated by Close.
type File struct {
	fs   *FileSystem
	node *node
	mode OpenMode
	err  error
}

// Err returns the error carried by the descriptor, if any.
func (f *File) Err() error {
	return f.err
}

// OK reports whether the descriptor is usable.
func (f *File) OK() bool {
	return f.err == nil && f.node != nil
}

func (f *File) usable() error {
	if f.err != nil {
		return f.err
	}
	if f.node == nil {
		return NewError(ErrInvalidHandle)
	}
	return nil
}

// Name returns the file's canonical name.
func (f *File) Name() (string, error) {
	if err := f.usable(); err != nil {
		return "", err
	}
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return f.node.name, nil
}

// Stat returns the current file size in bytes.
func (f *File) Stat() (uint64, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return f.node.size, nil
}

// Sync persists the file's entry and the filesystem metadata mid-session.
func (f *File) Sync() error {
	if err := f.usable(); err != nil {
		return err
	}
	return f.fs.syncFile(f.node, false)
}

// Close syncs the file's entry and releases the descriptor.
func (f *File) Close() error {
	if err := f.usable(); err != nil {
		return err
	}
	err := f.fs.syncFile(f.node, true)
	f.node = nil
	return err
}

// syncFile flushes a node's entry and the filesystem metadata, optionally
// releasing one descriptor reference. Filesystem lock first, then the node
// lock: the reverse order deadlocks against resize.
func (fs *FileSystem) syncFile(n *node, release bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return fs.withContext(func(ioc *device.Context) error {
		if n.dirty {
			if err := fs.syncNode(ioc, n); err != nil {
				return err
			}
		}
		if release {
			n.open--
		}
		return fs.syncMeta(ioc)
	})
}

// Resize sets the file size. Grown regions keep whatever the allocated
// pages already contain.
func (f *File) Resize(newsize uint64) error {
	return f.resize(newsize, 0, false)
}

// ResizeFill sets the file size, padding the grown region with fill: the
// tail of the old last page and every newly allocated page.
func (f *File) ResizeFill(newsize uint64, fill byte) error {
	return f.resize(newsize, fill, true)
}

func (f *File) resize(newsize uint64, fill byte, hasFill bool) error {
	if err := f.usable(); err != nil {
		return err
	}
	if f.mode&OpenReadOnly != 0 {
		return NewError(ErrInvalidArgument)
	}
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return fs.withContext(func(ioc *device.Context) error {
		return fs.resizeLocked(ioc, f.node, newsize, fill, hasFill)
	})
}

// resizeLocked changes a file's size. Caller holds the filesystem write
// lock and the node's write lock.
func (fs *FileSystem) resizeLocked(ioc *device.Context, n *node, newsize uint64, fill byte, hasFill bool) error {
	oldsize := n.size
	if newsize == oldsize {
		return nil
	}
	oldPages, newPages := (oldsize+PageMask)>>PageShift, (newsize+PageMask)>>PageShift

	if newsize < oldsize {
		for drop := oldPages - newPages; drop > 0; {
			last := &n.segs[len(n.segs)-1]
			take := min(drop, last.pagecount)
			fs.freeData(last.pageid+last.pagecount-take, take)
			last.pagecount -= take
			drop -= take
			if last.pagecount == 0 {
				n.segs = n.segs[:len(n.segs)-1]
			}
		}
		n.size = newsize
		n.dirty = true
		return nil
	}

	// Pad the tail of the old last page before the size moves past it
	if hasFill && oldsize&PageMask != 0 {
		if err := fs.fillTail(ioc, n, oldsize, fill); err != nil {
			return err
		}
	}

	if need := newPages - oldPages; need > 0 {
		if len(n.segs) >= fs.maxSegs {
			if err := fs.mergeSegments(ioc, n, newPages); err != nil {
				return err
			}
		} else {
			page, err := fs.allocData(need)
			if err != nil {
				return err
			}
			if last := len(n.segs) - 1; last >= 0 && n.segs[last].pageid+n.segs[last].pagecount == page {
				n.segs[last].pagecount += need
			} else {
				n.segs = append(n.segs, segment{pageid: page, pagecount: need})
			}
		}
		if hasFill {
			if err := fs.fillPages(ioc, n, oldPages, newPages, fill); err != nil {
				return err
			}
		}
	}
	n.size = newsize
	n.dirty = true
	return nil
}

// mergeSegments collapses all of a file's segments into one contiguous run
// of total pages, copying the old contents forward and freeing the old
// segments.
func (fs *FileSystem) mergeSegments(ioc *device.Context, n *node, total uint64) error {
	dst, err := fs.allocData(total)
	if err != nil {
		return err
	}
	var logical uint64
	for _, s := range n.segs {
		for done := uint64(0); done < s.pagecount; {
			pc := uint32(min(s.pagecount-done, uint64(ioc.Pages())))
			buf, err := ioc.PageAlloc(&pc)
			if err != nil {
				return Errorf(ErrIO, "page scratch unavailable")
			}
			if err := fs.dev.Read(ioc, buf, s.pageid+done, pc); err != nil {
				ioc.PageFree(buf)
				return WrapError(ErrIO, err)
			}
			if err := fs.dev.Write(ioc, buf, dst+logical, pc); err != nil {
				ioc.PageFree(buf)
				return WrapError(ErrIO, err)
			}
			ioc.PageFree(buf)
			done += uint64(pc)
			logical += uint64(pc)
		}
	}
	for _, s := range n.segs {
		fs.freeData(s.pageid, s.pagecount)
	}
	n.segs = append(n.segs[:0], segment{pageid: dst, pagecount: total})
	return nil
}

// fillTail pads bytes [size, end of page) of the last data page with fill.
func (fs *FileSystem) fillTail(ioc *device.Context, n *node, size uint64, fill byte) error {
	seg, pageInSeg := n.resolve(size - 1)
	addr := n.segs[seg].pageid + pageInSeg
	var pc uint32 = 1
	buf, err := ioc.PageAlloc(&pc)
	if err != nil {
		return Errorf(ErrIO, "page scratch unavailable")
	}
	defer ioc.PageFree(buf)
	if err := fs.dev.Read(ioc, buf, addr, 1); err != nil {
		return WrapError(ErrIO, err)
	}
	for i := size & PageMask; i < PageSize; i++ {
		buf[i] = fill
	}
	if err := fs.dev.Write(ioc, buf, addr, 1); err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}

// fillPages writes fill over logical pages [from, to).
func (fs *FileSystem) fillPages(ioc *device.Context, n *node, from, to uint64, fill byte) error {
	var pc uint32 = ioc.Pages()
	buf, err := ioc.PageAlloc(&pc)
	if err != nil {
		return Errorf(ErrIO, "page scratch unavailable")
	}
	defer ioc.PageFree(buf)
	for i := range buf {
		buf[i] = fill
	}
	for page := from; page < to; {
		seg, pageInSeg := n.resolve(page << PageShift)
		run := min(n.segs[seg].pagecount-pageInSeg, to-page, uint64(pc))
		addr := n.segs[seg].pageid + pageInSeg
		if err := fs.dev.Write(ioc, buf, addr, uint32(run)); err != nil {
			return WrapError(ErrIO, err)
		}
		page += run
	}
	return nil
}

// resolve maps a byte offset to (segment index, page offset within the
// segment). The offset must be below the segment span.
func (n *node) resolve(off uint64) (int, uint64) {
	page := off >> PageShift
	for i, s := range n.segs {
		if page < s.pagecount {
			return i, page
		}
		page -= s.pagecount
	}
	return -1, 0
}

// Read copies up to len(p) bytes from the file at off. Reads past the end
// of the file are truncated; the count of bytes read is returned.
func (f *File) Read(p []byte, off uint64) (int, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	n := f.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if off >= n.size || len(p) == 0 {
		return 0, nil
	}
	end := min(off+uint64(len(p)), n.size)

	err := f.fs.withContext(func(ioc *device.Context) error {
		for pos := off; pos < end; {
			seg, pageInSeg := n.resolve(pos)
			s := n.segs[seg]
			pc := uint32(min(
				s.pagecount-pageInSeg,
				((end-(pos&^uint64(PageMask)))+PageMask)>>PageShift,
			))
			buf, err := ioc.PageAlloc(&pc)
			if err != nil {
				return Errorf(ErrIO, "page scratch unavailable")
			}
			if err := f.fs.dev.Read(ioc, buf, s.pageid+pageInSeg, pc); err != nil {
				ioc.PageFree(buf)
				return WrapError(ErrIO, err)
			}
			lo := pos & PageMask
			ncopy := min(uint64(pc)*PageSize-lo, end-pos)
			copy(p[pos-off:], buf[lo:lo+ncopy])
			ioc.PageFree(buf)
			pos += ncopy
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(end - off), nil
}

// Write copies len(p) bytes into the file at off, growing it first when the
// write extends past the current size. Partial first and last pages are
// read-modify-written; whole middle pages go to the device straight from p.
func (f *File) Write(p []byte, off uint64) (int, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	if f.mode&OpenReadOnly != 0 {
		return 0, NewError(ErrInvalidArgument)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := f.node
	end := off + uint64(len(p))

	// Extension changes allocations, which needs the filesystem lock taken
	// before the node lock; plain overwrites take only the node lock.
	for {
		n.mu.Lock()
		if end <= n.size {
			break
		}
		n.mu.Unlock()
		fs := f.fs
		fs.mu.Lock()
		n.mu.Lock()
		var rerr error
		if end > n.size {
			rerr = fs.withContext(func(ioc *device.Context) error {
				return fs.resizeLocked(ioc, n, end, 0, false)
			})
		}
		n.mu.Unlock()
		fs.mu.Unlock()
		if rerr != nil {
			return 0, rerr
		}
	}
	defer n.mu.Unlock()

	err := f.fs.withContext(func(ioc *device.Context) error {
		for pos := off; pos < end; {
			seg, pageInSeg := n.resolve(pos)
			s := n.segs[seg]
			addr := s.pageid + pageInSeg

			if lo := pos & PageMask; lo != 0 || end-pos < PageSize {
				// Partial page: read, patch, write back
				var pc uint32 = 1
				buf, err := ioc.PageAlloc(&pc)
				if err != nil {
					return Errorf(ErrIO, "page scratch unavailable")
				}
				if err := f.fs.dev.Read(ioc, buf, addr, 1); err != nil {
					ioc.PageFree(buf)
					return WrapError(ErrIO, err)
				}
				ncopy := min(PageSize-lo, end-pos)
				copy(buf[lo:lo+ncopy], p[pos-off:])
				if err := f.fs.dev.Write(ioc, buf, addr, 1); err != nil {
					ioc.PageFree(buf)
					return WrapError(ErrIO, err)
				}
				ioc.PageFree(buf)
				pos += ncopy
				continue
			}

			// Whole pages straight from the caller's buffer
			pc := uint32(min(
				s.pagecount-pageInSeg,
				(end-pos)>>PageShift,
				uint64(ioc.Pages()),
			))
			if err := f.fs.dev.Write(ioc, p[pos-off:pos-off+uint64(pc)*PageSize], addr, pc); err != nil {
				return WrapError(ErrIO, err)
			}
			pos += uint64(pc) * PageSize
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Checksum returns the rolling sum over the file's data in segment order:
// each byte contributes (remaining_size << 32) | byte. The sum detects
// trivial differences only; it is not cryptographic.
func (f *File) Checksum() (uint64, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	n := f.node
	n.mu.RLock()
	defer n.mu.RUnlock()

	var sum uint64
	remaining := n.size
	err := f.fs.withContext(func(ioc *device.Context) error {
		for pos := uint64(0); pos < n.size; {
			seg, pageInSeg := n.resolve(pos)
			s := n.segs[seg]
			pc := uint32(min(
				s.pagecount-pageInSeg,
				((n.size-pos)+PageMask)>>PageShift,
			))
			buf, err := ioc.PageAlloc(&pc)
			if err != nil {
				return Errorf(ErrIO, "page scratch unavailable")
			}
			if err := f.fs.dev.Read(ioc, buf, s.pageid+pageInSeg, pc); err != nil {
				ioc.PageFree(buf)
				return WrapError(ErrIO, err)
			}
			ncopy := min(uint64(pc)*PageSize, n.size-pos)
			for _, b := range buf[:ncopy] {
				sum += remaining<<32 | uint64(b)
				remaining--
			}
			ioc.PageFree(buf)
			pos += ncopy
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sum, nil
}
