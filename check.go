package unfs

import (
	"go.uber.org/zap"

	"github.com/unfsio/unfs/device"
)

// Check verifies a closed filesystem without modifying it: the header
// arithmetic, the bitmap accounting, every entry's slot and segment pages,
// and every entry's parent linkage. The first inconsistency found is
// returned.
func Check(name string, opts ...Option) error {
	dev, err := device.Open(name)
	if err != nil {
		return WrapError(ErrIO, err)
	}
	defer dev.Close()
	return CheckDevice(dev, opts...)
}

// CheckDevice verifies the filesystem on an already-open device.
func CheckDevice(dev device.Device, opts ...Option) error {
	cfg := applyOptions(opts)
	geo := dev.Geometry()

	ioc, err := dev.AllocContext()
	if err != nil {
		return WrapError(ErrIO, err)
	}
	defer dev.FreeContext(ioc)

	headbuf := device.AlignedBuffer(HeadPC * PageSize)
	if err := dev.Read(ioc, headbuf, 0, HeadPC); err != nil {
		return WrapError(ErrIO, err)
	}
	hdr, err := unmarshalHeader(headbuf)
	if err != nil {
		return err
	}
	if err := hdr.validate(geo); err != nil {
		return err
	}

	metabuf := device.AlignedBuffer(int(hdr.DataPage) * PageSize)
	copy(metabuf, headbuf)
	if err := dev.Read(ioc, metabuf[HeadPC*PageSize:], HeadPC, uint32(hdr.DataPage-HeadPC)); err != nil {
		return WrapError(ErrIO, err)
	}
	bm := loadBitmap(hdr, metabuf)

	// Recompute the free count from the bitmap
	if used := bm.popcount(); used+hdr.PageFree+hdr.DataPage != hdr.PageCount {
		return Errorf(ErrCorrupted, "bitmap accounts %d used pages, header free count %d",
			used, hdr.PageFree)
	}
	for _, slot := range hdr.DelStack {
		if bm.isSet(slot) || bm.isSet(slot+FilePC-1) {
			return Errorf(ErrCorrupted, "delete-stack slot %d is marked used", slot)
		}
	}

	// Rebuild the expected bitmap from the entries; any double claim or
	// stray bit is an inconsistency
	shadow := newBitmap(hdr)

	var pc uint32 = FilePC
	buf, err := ioc.PageAlloc(&pc)
	if err != nil || pc < FilePC {
		return Errorf(ErrIO, "entry scratch unavailable")
	}
	defer ioc.PageFree(buf)

	namebuf := device.AlignedBuffer(PageSize)
	entries := 0
	dirs := 0
	for slot := hdr.rootSlot(); slot > hdr.FDNextPage; slot -= FilePC {
		if hdr.delContains(slot) {
			continue
		}
		if !bm.isSet(slot) || !bm.isSet(slot+FilePC-1) {
			return Errorf(ErrCorrupted, "entry slot %d is not marked used", slot)
		}
		if err := dev.Read(ioc, buf, slot, FilePC); err != nil {
			return WrapError(ErrIO, err)
		}
		n, err := decodeEntry(buf, slot)
		if err != nil {
			return err
		}
		if !validName(n.name) {
			return Errorf(ErrCorrupted, "entry at slot %d has invalid name %q", slot, n.name)
		}
		if err := shadow.setRange(slot, FilePC); err != nil {
			return err
		}
		entries++
		if n.isdir {
			dirs++
		}
		for _, s := range n.segs {
			if s.pageid < hdr.DataPage || s.pageid+s.pagecount > hdr.PageCount {
				return Errorf(ErrCorrupted, "entry %q segment %d+%d outside the data region",
					n.name, s.pageid, s.pagecount)
			}
			for p := s.pageid; p < s.pageid+s.pagecount; p++ {
				if !bm.isSet(p) {
					return Errorf(ErrCorrupted, "entry %q data page %d is not marked used",
						n.name, p)
				}
			}
			if err := shadow.setRange(s.pageid, s.pagecount); err != nil {
				return err
			}
		}
		if n.name == RootName {
			continue
		}
		// The parent entry's path must be the child's immediate prefix
		pid := n.parentID
		if pid <= hdr.FDNextPage || pid > hdr.rootSlot() || pid%FilePC != 0 || hdr.delContains(pid) {
			return Errorf(ErrCorrupted, "entry %q has bad parent slot %d", n.name, pid)
		}
		if err := dev.Read(ioc, namebuf, pid+1, 1); err != nil {
			return WrapError(ErrIO, err)
		}
		pname := cString(namebuf)
		if !childOf(n.name, pname) {
			return Errorf(ErrCorrupted, "entry %q is not a child of its parent %q", n.name, pname)
		}
	}

	if uint64(entries) != hdr.FDCount || uint64(dirs) != hdr.DirCount {
		return Errorf(ErrCorrupted, "scanned %d entries (%d dirs), header says %d (%d)",
			entries, dirs, hdr.FDCount, hdr.DirCount)
	}
	for i, w := range bm.words {
		if w != shadow.words[i] {
			return Errorf(ErrCorrupted, "bitmap word %d is %#x, entries account for %#x",
				i, w, shadow.words[i])
		}
	}

	cfg.log.Info("check ok", zap.String("header", hdr.String()))
	return nil
}
