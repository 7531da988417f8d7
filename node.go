package unfs

import "sync"

// segment is a contiguous range of data pages owned by one file.
type segment struct {
	pageid    uint64
	pagecount uint64
}

// node is the in-memory image of one file or directory entry. It is owned by
// the name index; file descriptors reference it and hold it through the open
// counter, which blocks removal and rename while it is above zero.
type node struct {
	mu sync.RWMutex

	name     string // Canonical path, cached from the entry's name page
	pageid   uint64 // Entry slot address; 0 marks an unresolved placeholder
	parent   *node
	parentID uint64 // Entry slot address of the parent, as persisted
	size     uint64 // Bytes for files, immediate child count for directories
	isdir    bool
	segs     []segment // Files only; directories persist zero segments

	open  int32 // File descriptors referencing this node
	dirty bool  // Entry needs a sync
}

// pages returns the number of data pages the node's size spans.
func (n *node) pages() uint64 {
	return (n.size + PageMask) >> PageShift
}

// segPages returns the total page count over all segments.
func (n *node) segPages() uint64 {
	var total uint64
	for _, s := range n.segs {
		total += s.pagecount
	}
	return total
}

// On-disk node record layout (page 0 of the entry; page 1 holds the
// canonical name, NUL-terminated):
//
//	Offset  Size  Field
//	0       8     pageid
//	8       8     parentid
//	16      8     size
//	24      8     isdir
//	32      8     segcount
//	40      16*N  segments (pageid, pagecount)

// encodeEntry serializes the node into b, which must cover FilePC pages.
func (n *node) encodeEntry(b []byte) {
	for i := range b[:FilePC*PageSize] {
		b[i] = 0
	}
	putUint64LE(b[0:], n.pageid)
	putUint64LE(b[8:], n.parentID)
	putUint64LE(b[16:], n.size)
	if n.isdir {
		putUint64LE(b[24:], 1)
	} else {
		putUint64LE(b[32:], uint64(len(n.segs)))
		for i, s := range n.segs {
			putUint64LE(b[nodeRecordSize+segmentSize*i:], s.pageid)
			putUint64LE(b[nodeRecordSize+segmentSize*i+8:], s.pagecount)
		}
	}
	copy(b[PageSize:FilePC*PageSize-1], n.name)
}

// decodeEntry deserializes a node from an entry buffer read at slot.
func decodeEntry(b []byte, slot uint64) (*node, error) {
	if len(b) < FilePC*PageSize {
		return nil, Errorf(ErrCorrupted, "short entry buffer (%d bytes)", len(b))
	}
	n := &node{
		pageid:   getUint64LE(b[0:]),
		parentID: getUint64LE(b[8:]),
		size:     getUint64LE(b[16:]),
		isdir:    getUint64LE(b[24:]) != 0,
		name:     cString(b[PageSize : FilePC*PageSize]),
	}
	if n.pageid != slot {
		return nil, Errorf(ErrCorrupted, "entry at slot %d claims slot %d", slot, n.pageid)
	}
	if !n.isdir {
		segcount := getUint64LE(b[32:])
		if segcount == 0 && n.size > 0 || segcount > MaxSegments {
			return nil, Errorf(ErrCorrupted, "entry %q has %d segments", n.name, segcount)
		}
		n.segs = make([]segment, segcount)
		for i := range n.segs {
			n.segs[i].pageid = getUint64LE(b[nodeRecordSize+segmentSize*i:])
			n.segs[i].pagecount = getUint64LE(b[nodeRecordSize+segmentSize*i+8:])
			if n.segs[i].pagecount == 0 {
				return nil, Errorf(ErrCorrupted, "entry %q has an empty segment", n.name)
			}
		}
		if n.segPages() != n.pages() {
			return nil, Errorf(ErrCorrupted, "entry %q: %d segment pages for %d bytes",
				n.name, n.segPages(), n.size)
		}
	}
	return n, nil
}
