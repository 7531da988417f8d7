package unfs

// Filesystem format constants - must match the UNFS-1.0 on-disk layout
const (
	// VersionString identifies the on-disk format, stored verbatim in the header
	VersionString = "UNFS-1.0"

	// PageSize is the fixed page size used for device addressing (4KB)
	PageSize = 4096

	// PageShift is log2(PageSize)
	PageShift = 12

	// PageMask masks the in-page byte offset
	PageMask = PageSize - 1

	// HeadPC is the number of pages occupied by the header
	HeadPC = 2

	// FilePC is the number of pages occupied by one file entry
	FilePC = 2
)

// Header field sizes
const (
	// MaxLabel is the maximum filesystem label length, excluding the NUL
	MaxLabel = 63

	// labelSize is the on-disk label field size (NUL-terminated)
	labelSize = 64

	// versionSize is the on-disk version field size (NUL-terminated)
	versionSize = 16

	// headerFixedSize is the byte offset of the delete stack inside the header
	headerFixedSize = labelSize + versionSize + 10*8 + 8

	// DeleteStackMax is the number of vacated slot addresses the header can hold
	DeleteStackMax = (HeadPC*PageSize - headerFixedSize) / 8
)

// File entry layout
const (
	// nodeRecordSize is the fixed part of the on-disk node record
	nodeRecordSize = 40

	// segmentSize is the on-disk size of one (pageid, pagecount) segment
	segmentSize = 16

	// MaxSegments is the number of segments that fit in a node record page
	MaxSegments = (PageSize - nodeRecordSize) / segmentSize

	// MaxNameLen is the maximum canonical name length, excluding the NUL
	MaxNameLen = PageSize - 2
)

// OpenMode selects file_open behavior.
type OpenMode int

const (
	// OpenReadOnly opens an existing file for reading only
	OpenReadOnly OpenMode = 1 << iota

	// OpenCreate creates the file if it does not exist
	OpenCreate

	// OpenExclusive fails with ErrBusy if the file is already open
	OpenExclusive
)

// RootName is the canonical name of the root directory.
const RootName = "/"
