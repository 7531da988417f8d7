package unfs

import (
	"go.uber.org/zap"

	"github.com/unfsio/unfs/device"
)

// Format initializes an empty filesystem on the named device: the header,
// an all-free bitmap, and the root directory in its reserved slot at the
// top of the device. Any previous contents are gone.
func Format(name, label string, opts ...Option) error {
	dev, err := device.Open(name)
	if err != nil {
		return WrapError(ErrIO, err)
	}
	defer dev.Close()
	return FormatDevice(dev, label, opts...)
}

// FormatDevice formats an already-open device. The caller keeps ownership
// of the device.
func FormatDevice(dev device.Device, label string, opts ...Option) error {
	cfg := applyOptions(opts)
	if len(label) > MaxLabel {
		return Errorf(ErrInvalidArgument, "label longer than %d bytes", MaxLabel)
	}
	geo := dev.Geometry()
	if geo.PageCount < HeadPC+2+2*FilePC {
		return Errorf(ErrInvalidArgument, "device too small (%d pages)", geo.PageCount)
	}

	hdr := newHeader(geo, label)
	bm := newBitmap(hdr)
	if err := bm.setRange(hdr.rootSlot(), FilePC); err != nil {
		return err
	}

	metabuf := device.AlignedBuffer(int(hdr.DataPage) * PageSize)
	hdr.marshal(metabuf)
	bm.store(metabuf, 0, hdr.BitmapWords)

	root := &node{name: RootName, pageid: hdr.rootSlot(), isdir: true}

	ioc, err := dev.AllocContext()
	if err != nil {
		return WrapError(ErrIO, err)
	}
	defer dev.FreeContext(ioc)

	var pc uint32 = FilePC
	buf, err := ioc.PageAlloc(&pc)
	if err != nil || pc < FilePC {
		return Errorf(ErrIO, "entry scratch unavailable")
	}
	root.encodeEntry(buf)
	err = dev.Write(ioc, buf, root.pageid, FilePC)
	ioc.PageFree(buf)
	if err != nil {
		return WrapError(ErrIO, err)
	}
	if err := dev.Write(ioc, metabuf, 0, uint32(hdr.DataPage)); err != nil {
		return WrapError(ErrIO, err)
	}

	cfg.log.Info("formatted", zap.String("label", label),
		zap.Uint64("pages", hdr.PageCount),
		zap.Uint64("free", hdr.PageFree),
		zap.Uint64("datapage", hdr.DataPage))
	return nil
}
