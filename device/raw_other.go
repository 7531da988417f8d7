//go:build unix && !linux

package device

import (
	"io"
	"os"
)

// openDirect opens the backing read-write with plain buffered I/O, as on
// Linux; O_DIRECT is not used.
func openDirect(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_RDWR, 0)
}

// probeGeometry reads the backing size with a 512-byte block.
func probeGeometry(f *os.File) (Geometry, error) {
	var geo Geometry
	geo.PageSize = PageSize

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return geo, err
	}
	geo.BlockSize = 512
	geo.BlockCount = uint64(size) / 512
	geo.PageCount = uint64(size) / PageSize
	return geo, nil
}
