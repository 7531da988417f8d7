package unfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unfsio/unfs/device"
)

func TestCheckDetectsBitmapDamage(t *testing.T) {
	fs, dev := newTestFS(t, 4096)
	require.NoError(t, fs.Create("/a", true, false))
	require.NoError(t, fs.Create("/a/f", false, false))
	f := fs.FileOpen("/a/f", 0)
	require.NoError(t, f.Err())
	_, err := f.Write(make([]byte, 2*PageSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Close())
	require.NoError(t, CheckDevice(dev))

	// Flip one bitmap bit on disk
	ioc, err := dev.AllocContext()
	require.NoError(t, err)
	page := device.AlignedBuffer(PageSize)
	require.NoError(t, dev.Read(ioc, page, HeadPC, 1))
	page[100] ^= 0x10
	require.NoError(t, dev.Write(ioc, page, HeadPC, 1))
	dev.FreeContext(ioc)

	require.Error(t, CheckDevice(dev))
}

func TestCheckDetectsFreeCountDrift(t *testing.T) {
	fs, dev := newTestFS(t, 4096)
	require.NoError(t, fs.Close())

	ioc, err := dev.AllocContext()
	require.NoError(t, err)
	buf := device.AlignedBuffer(HeadPC * PageSize)
	require.NoError(t, dev.Read(ioc, buf, 0, HeadPC))
	hdr, err := unmarshalHeader(buf)
	require.NoError(t, err)
	hdr.PageFree--
	hdr.marshal(buf)
	require.NoError(t, dev.Write(ioc, buf, 0, HeadPC))
	dev.FreeContext(ioc)

	err = CheckDevice(dev)
	require.Error(t, err)
	require.True(t, IsCorrupted(err))
}

func TestCheckDetectsOrphanParent(t *testing.T) {
	fs, dev := newTestFS(t, 4096)
	require.NoError(t, fs.Create("/p", true, false))
	require.NoError(t, fs.Create("/p/c", false, false))

	// Point the child at the root slot; "/p/c" is not a child of "/"
	child := fs.index.get("/p/c")
	slot := child.pageid
	rootSlot := fs.hdr.rootSlot()
	require.NoError(t, fs.Close())

	ioc, err := dev.AllocContext()
	require.NoError(t, err)
	buf := device.AlignedBuffer(FilePC * PageSize)
	require.NoError(t, dev.Read(ioc, buf, slot, FilePC))
	n, err := decodeEntry(buf, slot)
	require.NoError(t, err)
	n.parentID = rootSlot
	n.encodeEntry(buf)
	require.NoError(t, dev.Write(ioc, buf, slot, FilePC))
	dev.FreeContext(ioc)

	err = CheckDevice(dev)
	require.Error(t, err)
}

func TestFormatOpenOnRawFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfs.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024*PageSize), 0644))

	require.NoError(t, Format(path, "img"))
	require.NoError(t, Check(path))

	fs, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, fs.Create("/boot", true, false))
	f := fs.FileOpen("/boot/kernel", OpenCreate)
	require.NoError(t, f.Err())
	_, err = f.Write([]byte("vmlinuz"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Close())

	require.NoError(t, Check(path))

	fs, err = Open(path)
	require.NoError(t, err)
	data := make([]byte, 7)
	f = fs.FileOpen("/boot/kernel", OpenReadOnly)
	require.NoError(t, f.Err())
	_, err = f.Read(data, 0)
	require.NoError(t, err)
	require.Equal(t, "vmlinuz", string(data))
	require.NoError(t, f.Close())
	require.NoError(t, fs.Close())
}

func TestOpenRejectsForeignHeader(t *testing.T) {
	dev, err := device.NewMemory(1024, 4, 4)
	require.NoError(t, err)

	_, err = OpenDevice(dev)
	require.Error(t, err)
	require.Equal(t, ErrBadHeader, Code(err))
}
