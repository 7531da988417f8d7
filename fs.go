package unfs

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/unfsio/unfs/device"
)

// FileSystem is an open UNFS instance. It exclusively owns the name index
// and the header/bitmap staging buffer; nodes are owned by the name index
// and referenced by file descriptors through their open counters.
//
// One read/write lock serializes every structural change (name index,
// header, bitmap, delete stack); per-node locks cover file data I/O. The
// filesystem lock is always taken before a node lock, never after.
type FileSystem struct {
	mu  sync.RWMutex
	dev device.Device
	log *zap.Logger

	hdr     *Header
	bm      *bitmap
	metabuf []byte // Header + bitmap staging, DataPage pages

	index  *nameIndex
	bySlot map[uint64]*node

	fsid    uint64 // Fresh per open
	opens   int
	maxSegs int
	closed  bool
	ownDev  bool // Close the device on the last filesystem close
}

// Open opens the filesystem on the named device. The backend is selected
// from the name (see package device).
func Open(name string, opts ...Option) (*FileSystem, error) {
	dev, err := device.Open(name)
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}
	fs, err := OpenDevice(dev, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	fs.ownDev = true
	return fs, nil
}

// OpenDevice opens the filesystem on an already-open device. The caller
// keeps ownership of the device; Close does not release it.
func OpenDevice(dev device.Device, opts ...Option) (*FileSystem, error) {
	cfg := applyOptions(opts)
	geo := dev.Geometry()

	ioc, err := dev.AllocContext()
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}
	defer dev.FreeContext(ioc)

	headbuf := device.AlignedBuffer(HeadPC * PageSize)
	if err := dev.Read(ioc, headbuf, 0, HeadPC); err != nil {
		return nil, WrapError(ErrIO, err)
	}
	hdr, err := unmarshalHeader(headbuf)
	if err != nil {
		return nil, err
	}
	if err := hdr.validate(geo); err != nil {
		return nil, err
	}

	metabuf := device.AlignedBuffer(int(hdr.DataPage) * PageSize)
	copy(metabuf, headbuf)
	if err := dev.Read(ioc, metabuf[HeadPC*PageSize:], HeadPC, uint32(hdr.DataPage-HeadPC)); err != nil {
		return nil, WrapError(ErrIO, err)
	}

	fs := &FileSystem{
		dev:     dev,
		log:     cfg.log,
		hdr:     hdr,
		bm:      loadBitmap(hdr, metabuf),
		metabuf: metabuf,
		index:   newNameIndex(),
		bySlot:  make(map[uint64]*node),
		fsid:    freshID(),
		opens:   1,
		maxSegs: cfg.maxSegs,
	}
	if err := fs.loadEntries(ioc); err != nil {
		return nil, err
	}
	fs.log.Debug("filesystem open",
		zap.String("header", hdr.String()),
		zap.Uint64("fsid", fs.fsid),
		zap.Int("entries", fs.index.len()))
	return fs, nil
}

// loadEntries scans the entry region from the top of the device downward,
// skipping delete-stack slots, and rebuilds the name index. Entries are not
// stored in parent/child order, so a missing parent is stood in for by a
// placeholder directory (pageid 0) filled in when its entry is read.
func (fs *FileSystem) loadEntries(ioc *device.Context) error {
	var pc uint32 = FilePC
	buf, err := ioc.PageAlloc(&pc)
	if err != nil || pc < FilePC {
		return Errorf(ErrIO, "entry scratch unavailable")
	}
	defer ioc.PageFree(buf)

	for slot := fs.hdr.rootSlot(); slot > fs.hdr.FDNextPage; slot -= FilePC {
		if fs.hdr.delContains(slot) {
			continue
		}
		if err := fs.dev.Read(ioc, buf, slot, FilePC); err != nil {
			return WrapError(ErrIO, err)
		}
		n, err := decodeEntry(buf, slot)
		if err != nil {
			return err
		}
		if !validName(n.name) {
			return Errorf(ErrCorrupted, "entry at slot %d has invalid name %q", slot, n.name)
		}
		if slot == fs.hdr.rootSlot() && (n.name != RootName || !n.isdir) {
			return Errorf(ErrBadHeader, "root slot holds %q", n.name)
		}
		fs.attach(n)
	}

	// Every placeholder must have been filled by a real entry
	var bad *node
	fs.index.walk(func(n *node) bool {
		if n.pageid == 0 {
			bad = n
			return false
		}
		if n.name != RootName && n.parentID != n.parent.pageid {
			bad = n
			return false
		}
		return true
	})
	if bad != nil {
		return Errorf(ErrBadHeader, "unresolved or misparented entry %q", bad.name)
	}
	if fs.index.get(RootName) == nil {
		return Errorf(ErrBadHeader, "no root entry")
	}
	if uint64(fs.index.len()) != fs.hdr.FDCount {
		return Errorf(ErrBadHeader, "%d entries on disk, header says %d",
			fs.index.len(), fs.hdr.FDCount)
	}
	return nil
}

// attach inserts a scanned entry, filling a placeholder of the same name if
// one was created for a child read earlier.
func (fs *FileSystem) attach(n *node) {
	if ph := fs.index.get(n.name); ph != nil {
		// Placeholder keeps its identity: children already point at it
		ph.pageid = n.pageid
		ph.parentID = n.parentID
		ph.size = n.size
		ph.isdir = n.isdir
		ph.segs = n.segs
		n = ph
	} else {
		fs.index.insert(n)
	}
	fs.bySlot[n.pageid] = n
	if n.name == RootName {
		return
	}
	pname := parentName(n.name)
	p := fs.index.get(pname)
	if p == nil {
		p = &node{name: pname, isdir: true}
		fs.index.insert(p)
	}
	n.parent = p
}

// FSID returns the per-open filesystem id.
func (fs *FileSystem) FSID() uint64 {
	return fs.fsid
}

// Stat returns a copy of the header.
func (fs *FileSystem) Stat() (*Header, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, NewError(ErrInvalidHandle)
	}
	return fs.hdr.clone(), nil
}

// Close syncs the header, the bitmap and every dirty entry, then releases
// the filesystem, and the device too when it was opened by name with Open.
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return NewError(ErrInvalidHandle)
	}
	var errs *multierror.Error
	err := fs.withContext(func(ioc *device.Context) error {
		var dirty []*node
		fs.index.walk(func(n *node) bool {
			if n.dirty {
				dirty = append(dirty, n)
			}
			return true
		})
		for _, n := range dirty {
			if err := fs.syncNode(ioc, n); err != nil {
				return err
			}
		}
		return fs.syncMeta(ioc)
	})
	errs = multierror.Append(errs, err)

	fs.opens--
	if fs.opens == 0 {
		fs.closed = true
		if fs.ownDev {
			errs = multierror.Append(errs, fs.dev.Close())
		}
	}
	fs.mu.Unlock()
	fs.log.Debug("filesystem closed", zap.Uint64("fsid", fs.fsid))
	return errs.ErrorOrNil()
}

// Sync flushes the header, the bitmap dirty ranges and every dirty entry.
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return NewError(ErrInvalidHandle)
	}
	return fs.withContext(func(ioc *device.Context) error {
		var failed error
		fs.index.walk(func(n *node) bool {
			if n.dirty {
				if err := fs.syncNode(ioc, n); err != nil {
					failed = err
					return false
				}
			}
			return true
		})
		if failed != nil {
			return failed
		}
		return fs.syncMeta(ioc)
	})
}

// withContext runs fn with an I/O context from the device pool.
func (fs *FileSystem) withContext(fn func(*device.Context) error) error {
	ioc, err := fs.dev.AllocContext()
	if err != nil {
		return WrapError(ErrIO, err)
	}
	defer fs.dev.FreeContext(ioc)
	return fn(ioc)
}

// syncMeta writes the header pages and the minimal bitmap page span covering
// each population's dirty range. Caller holds the filesystem write lock.
func (fs *FileSystem) syncMeta(ioc *device.Context) error {
	fs.hdr.marshal(fs.metabuf)
	if err := fs.dev.Write(ioc, fs.metabuf, 0, HeadPC); err != nil {
		return WrapError(ErrIO, err)
	}
	if err := fs.syncBitmapRange(ioc, fs.bm.dataLo, fs.bm.dataHi); err != nil {
		return err
	}
	if err := fs.syncBitmapRange(ioc, fs.bm.entryLo, fs.bm.entryHi); err != nil {
		return err
	}
	fs.bm.resetDirty()
	return nil
}

// syncBitmapRange writes the bitmap pages covering dirty pages [lo, hi).
func (fs *FileSystem) syncBitmapRange(ioc *device.Context, lo, hi uint64) error {
	if lo >= hi {
		return nil
	}
	wlo := (lo - fs.hdr.DataPage) >> 6
	whi := (hi - fs.hdr.DataPage + 63) >> 6
	fs.bm.store(fs.metabuf, wlo, whi)
	plo := uint64(HeadPC) + wlo*8/PageSize
	phi := uint64(HeadPC) + (whi*8+PageSize-1)/PageSize
	err := fs.dev.Write(ioc, fs.metabuf[plo*PageSize:phi*PageSize], plo, uint32(phi-plo))
	if err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}

// syncNode writes the node's 2-page entry. Caller holds the filesystem lock
// or the node's lock.
func (fs *FileSystem) syncNode(ioc *device.Context, n *node) error {
	var pc uint32 = FilePC
	buf, err := ioc.PageAlloc(&pc)
	if err != nil || pc < FilePC {
		return Errorf(ErrIO, "entry scratch unavailable")
	}
	defer ioc.PageFree(buf)
	n.encodeEntry(buf)
	if err := fs.dev.Write(ioc, buf, n.pageid, FilePC); err != nil {
		return WrapError(ErrIO, err)
	}
	n.dirty = false
	return nil
}

// allocData allocates a contiguous run of n data pages, lowest first fit
// from the search hint. Nothing is mutated when no run fits.
func (fs *FileSystem) allocData(n uint64) (uint64, error) {
	if n == 0 {
		return 0, NewError(ErrInvalidArgument)
	}
	if n > fs.hdr.PageFree {
		return 0, NewError(ErrNoSpace)
	}
	page, ok := fs.bm.findRun(n, fs.hdr.FDNextPage)
	if !ok {
		return 0, NewError(ErrNoSpace)
	}
	if err := fs.bm.setRange(page, n); err != nil {
		fs.corrupt(err)
	}
	fs.hdr.PageFree -= n
	fs.bm.hint = page + n
	fs.bm.markData(page, n)
	return page, nil
}

// freeData returns a run of data pages to the pool. The run may be any
// equal-or-shorter subrange of earlier allocations; the bits must be set.
func (fs *FileSystem) freeData(page, n uint64) {
	if err := fs.bm.clearRange(page, n); err != nil {
		fs.corrupt(err)
	}
	fs.hdr.PageFree += n
	if page < fs.bm.hint {
		fs.bm.hint = page
	}
	fs.bm.markData(page, n)
}

// allocEntry takes an entry slot from the delete stack, or grows the entry
// region downward by FilePC pages.
func (fs *FileSystem) allocEntry() (uint64, error) {
	if slot, ok := fs.hdr.delPop(); ok {
		if err := fs.bm.setRange(slot, FilePC); err != nil {
			fs.corrupt(err)
		}
		fs.hdr.PageFree -= FilePC
		fs.bm.markEntry(slot, FilePC)
		return slot, nil
	}
	slot := fs.hdr.FDNextPage
	if slot < fs.hdr.DataPage+FilePC || fs.bm.isSet(slot) || fs.bm.isSet(slot+FilePC-1) {
		return 0, NewError(ErrNoSpace)
	}
	if err := fs.bm.setRange(slot, FilePC); err != nil {
		fs.corrupt(err)
	}
	fs.hdr.FDNextPage -= FilePC
	fs.hdr.PageFree -= FilePC
	fs.bm.markEntry(slot, FilePC)
	return slot, nil
}

// releaseSlot vacates an entry slot: onto the delete stack while it has
// room, otherwise the entry region is compacted by relocating the entry at
// its low edge into the vacated slot. A slot at the low edge is never
// stacked; the region contracts instead, so the edge always holds a live
// entry. Caller holds the filesystem write lock and has already detached
// the slot's node.
func (fs *FileSystem) releaseSlot(ioc *device.Context, slot uint64) error {
	if err := fs.bm.clearRange(slot, FilePC); err != nil {
		fs.corrupt(err)
	}
	fs.hdr.PageFree += FilePC
	fs.bm.markEntry(slot, FilePC)

	if slot != fs.hdr.FDNextPage+FilePC && uint32(len(fs.hdr.DelStack)) < fs.hdr.DelMax {
		fs.hdr.delPush(slot)
		return nil
	}

	// Stack is full, or the slot is the edge: keep the region dense instead
	low := fs.hdr.FDNextPage + FilePC
	if low != slot {
		m := fs.bySlot[low]
		if m == nil {
			fs.corrupt(Errorf(ErrCorrupted, "no entry at region edge slot %d", low))
		}
		if err := fs.bm.setRange(slot, FilePC); err != nil {
			fs.corrupt(err)
		}
		if err := fs.bm.clearRange(low, FilePC); err != nil {
			fs.corrupt(err)
		}
		fs.bm.markEntry(slot, FilePC)
		fs.bm.markEntry(low, FilePC)
		delete(fs.bySlot, low)
		m.pageid = slot
		fs.bySlot[slot] = m
		if err := fs.syncNode(ioc, m); err != nil {
			return err
		}
		if m.isdir {
			// Children persist the parent's slot address; only those under
			// the relocated node need a re-sync
			var failed error
			fs.index.children(m.name, func(c *node) bool {
				c.parentID = slot
				if err := fs.syncNode(ioc, c); err != nil {
					failed = err
					return false
				}
				return true
			})
			if failed != nil {
				return failed
			}
		}
	}
	fs.hdr.FDNextPage += FilePC

	// Absorb stacked holes now sitting at the region edge
	for fs.hdr.delDrop(fs.hdr.FDNextPage + FilePC) {
		fs.hdr.FDNextPage += FilePC
	}
	return nil
}

// corrupt reports an invariant violation. The filesystem does not journal,
// so there is nothing to roll back; the violation is logged and the process
// aborted by panic.
func (fs *FileSystem) corrupt(err error) {
	fs.log.Error("filesystem corrupted", zap.Error(err))
	panic(err)
}

// freshID returns a random 64-bit filesystem id.
func freshID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return binary.LittleEndian.Uint64(b[:])
}
