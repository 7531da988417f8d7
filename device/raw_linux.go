//go:build linux

package device

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens the backing read-write. Caller buffers are not required
// to be page-aligned in memory, so the file is opened without O_DIRECT and
// page alignment is enforced on offsets only.
func openDirect(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_RDWR, 0)
}

// probeGeometry reads the backing size. Seeking to the end answers for both
// block devices and regular files; block devices also answer the sector
// size ioctl.
func probeGeometry(f *os.File) (Geometry, error) {
	var geo Geometry
	geo.PageSize = PageSize

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return geo, err
	}

	ssz := 512
	if st, err := f.Stat(); err == nil && st.Mode()&os.ModeDevice != 0 {
		if v, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET); err == nil && v > 0 {
			ssz = v
		}
	}
	geo.BlockSize = uint32(ssz)
	geo.BlockCount = uint64(size) / uint64(ssz)
	geo.PageCount = uint64(size) / PageSize
	return geo, nil
}
