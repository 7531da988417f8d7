package device

import "unsafe"

// sliceAddr returns the address of the first element of b.
func sliceAddr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// AlignedBuffer returns a page-aligned buffer of the given size, suitable
// for staging page I/O.
func AlignedBuffer(size int) []byte {
	return alignedBuffer(size)
}
