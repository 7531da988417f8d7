package unfs

import (
	"bytes"
	"fmt"

	"github.com/unfsio/unfs/device"
)

// Header is the persistent filesystem header occupying pages 0..HeadPC-1.
//
// On-disk layout (little-endian):
//
//	Offset  Size  Field
//	0       64    label (NUL-terminated)
//	64      16    version (NUL-terminated, "UNFS-1.0")
//	80      8     blockcount
//	88      8     blocksize
//	96      8     pagecount
//	104     8     pagesize
//	112     8     datapage
//	120     8     pagefree
//	128     8     fdnextpage
//	136     8     fdcount
//	144     8     dircount
//	152     8     bitmapwords
//	160     4     delmax
//	164     4     delcount
//	168     8*N   delstack (N = delmax)
type Header struct {
	Label       string
	Version     string
	BlockCount  uint64
	BlockSize   uint64
	PageCount   uint64
	PageSize    uint64
	DataPage    uint64 // First page available for data extents
	PageFree    uint64
	FDNextPage  uint64 // Next entry slot to allocate, growing downward
	FDCount     uint64 // File and directory entries, root included
	DirCount    uint64 // Directory entries, root included
	BitmapWords uint64 // Free bitmap size in 64-bit words
	DelMax      uint32
	DelStack    []uint64 // Vacated entry slot addresses, len = delcount
}

// newHeader builds the header of a freshly formatted filesystem. The bitmap
// region is sized to cover every page on the device, so datapage is derived
// before the exact word count is known.
func newHeader(geo device.Geometry, label string) *Header {
	pagecount := geo.PageCount
	bmpages := (((pagecount + 63) / 64 * 8) + PageSize - 1) / PageSize
	datapage := uint64(HeadPC) + bmpages

	h := &Header{
		Label:       label,
		Version:     VersionString,
		BlockCount:  geo.BlockCount,
		BlockSize:   uint64(geo.BlockSize),
		PageCount:   pagecount,
		PageSize:    PageSize,
		DataPage:    datapage,
		PageFree:    pagecount - datapage - FilePC,
		FDNextPage:  pagecount - 2*FilePC,
		FDCount:     1,
		DirCount:    1,
		BitmapWords: (pagecount - datapage + 63) / 64,
		DelMax:      DeleteStackMax,
	}
	return h
}

// rootSlot returns the reserved entry slot of the root directory, the last
// FilePC pages of the device.
func (h *Header) rootSlot() uint64 {
	return h.PageCount - FilePC
}

// marshal serializes the header into b, which must cover HeadPC pages.
func (h *Header) marshal(b []byte) {
	for i := range b[:HeadPC*PageSize] {
		b[i] = 0
	}
	copy(b[0:labelSize-1], h.Label)
	copy(b[labelSize:labelSize+versionSize-1], h.Version)
	putUint64LE(b[80:], h.BlockCount)
	putUint64LE(b[88:], h.BlockSize)
	putUint64LE(b[96:], h.PageCount)
	putUint64LE(b[104:], h.PageSize)
	putUint64LE(b[112:], h.DataPage)
	putUint64LE(b[120:], h.PageFree)
	putUint64LE(b[128:], h.FDNextPage)
	putUint64LE(b[136:], h.FDCount)
	putUint64LE(b[144:], h.DirCount)
	putUint64LE(b[152:], h.BitmapWords)
	putUint32LE(b[160:], h.DelMax)
	putUint32LE(b[164:], uint32(len(h.DelStack)))
	for i, slot := range h.DelStack {
		putUint64LE(b[headerFixedSize+8*i:], slot)
	}
}

// unmarshalHeader decodes a header from b.
func unmarshalHeader(b []byte) (*Header, error) {
	if len(b) < HeadPC*PageSize {
		return nil, Errorf(ErrBadHeader, "short header buffer (%d bytes)", len(b))
	}
	h := &Header{
		Label:       cString(b[0:labelSize]),
		Version:     cString(b[labelSize : labelSize+versionSize]),
		BlockCount:  getUint64LE(b[80:]),
		BlockSize:   getUint64LE(b[88:]),
		PageCount:   getUint64LE(b[96:]),
		PageSize:    getUint64LE(b[104:]),
		DataPage:    getUint64LE(b[112:]),
		PageFree:    getUint64LE(b[120:]),
		FDNextPage:  getUint64LE(b[128:]),
		FDCount:     getUint64LE(b[136:]),
		DirCount:    getUint64LE(b[144:]),
		BitmapWords: getUint64LE(b[152:]),
		DelMax:      getUint32LE(b[160:]),
	}
	delcount := getUint32LE(b[164:])
	if h.DelMax > DeleteStackMax || delcount > h.DelMax {
		return nil, Errorf(ErrBadHeader, "delete stack %d/%d out of range", delcount, h.DelMax)
	}
	h.DelStack = make([]uint64, delcount)
	for i := range h.DelStack {
		h.DelStack[i] = getUint64LE(b[headerFixedSize+8*i:])
	}
	return h, nil
}

// validate checks the header against the device geometry and the entry
// region equation.
func (h *Header) validate(geo device.Geometry) error {
	if h.Version != VersionString {
		return Errorf(ErrBadHeader, "version %q, want %q", h.Version, VersionString)
	}
	if h.PageSize != PageSize {
		return Errorf(ErrBadHeader, "page size %d, want %d", h.PageSize, PageSize)
	}
	if h.PageCount == 0 || h.PageCount > geo.PageCount {
		return Errorf(ErrBadHeader, "page count %d exceeds device (%d)", h.PageCount, geo.PageCount)
	}
	if h.DataPage <= HeadPC || h.DataPage >= h.PageCount {
		return Errorf(ErrBadHeader, "data page %d out of range", h.DataPage)
	}
	if h.BitmapWords*8 > (h.DataPage-HeadPC)*PageSize {
		return Errorf(ErrBadHeader, "bitmap of %d words exceeds its region", h.BitmapWords)
	}
	if h.FDCount == 0 || h.DirCount == 0 || h.DirCount > h.FDCount {
		return Errorf(ErrBadHeader, "entry counts fd=%d dir=%d", h.FDCount, h.DirCount)
	}
	used := (h.FDCount + uint64(len(h.DelStack)) + 1) * FilePC
	if h.FDNextPage+used != h.PageCount {
		return Errorf(ErrBadHeader, "entry region equation: %d + %d != %d",
			h.FDNextPage, used, h.PageCount)
	}
	if h.FDNextPage < h.DataPage {
		return Errorf(ErrBadHeader, "entry region overruns data region at page %d", h.FDNextPage)
	}
	if h.PageFree > h.PageCount-h.DataPage {
		return Errorf(ErrBadHeader, "free count %d out of range", h.PageFree)
	}
	for _, slot := range h.DelStack {
		if slot <= h.FDNextPage || slot >= h.PageCount || slot%FilePC != 0 {
			return Errorf(ErrBadHeader, "delete stack slot %d out of range", slot)
		}
	}
	return nil
}

// delPush records a vacated entry slot. The caller checks capacity.
func (h *Header) delPush(slot uint64) {
	h.DelStack = append(h.DelStack, slot)
}

// delPop takes the most recently vacated slot.
func (h *Header) delPop() (uint64, bool) {
	if len(h.DelStack) == 0 {
		return 0, false
	}
	slot := h.DelStack[len(h.DelStack)-1]
	h.DelStack = h.DelStack[:len(h.DelStack)-1]
	return slot, true
}

// delDrop removes a specific slot from the stack, preserving order.
func (h *Header) delDrop(slot uint64) bool {
	for i, s := range h.DelStack {
		if s == slot {
			h.DelStack = append(h.DelStack[:i], h.DelStack[i+1:]...)
			return true
		}
	}
	return false
}

// delContains reports whether slot is on the delete stack.
func (h *Header) delContains(slot uint64) bool {
	for _, s := range h.DelStack {
		if s == slot {
			return true
		}
	}
	return false
}

// clone returns a deep copy, used by Stat.
func (h *Header) clone() *Header {
	c := *h
	c.DelStack = append([]uint64(nil), h.DelStack...)
	return &c
}

// String summarizes the header for diagnostics.
func (h *Header) String() string {
	return fmt.Sprintf("unfs %q %s pages=%d free=%d data@%d entries=%d dirs=%d del=%d/%d",
		h.Label, h.Version, h.PageCount, h.PageFree, h.DataPage,
		h.FDCount, h.DirCount, len(h.DelStack), h.DelMax)
}

// cString returns the bytes of b up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
