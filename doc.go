// Package unfs is a user-space, flat-namespace filesystem on a raw
// page-addressable block device. It gives a polling user-space storage
// backend a minimal POSIX-like file abstraction without the kernel in the
// data path.
//
// The on-disk layout is three regions: a two-page header holding the
// geometry and an in-header delete stack, a free-page bitmap, and a
// downward-growing region of fixed-size two-page file entries at the top of
// the device, each carrying its full canonical path. Everything between the
// bitmap and the entry region is data, handed out as contiguous extents by
// a first-fit bitmap allocator. There is no journal and no data cache: a
// clean close is the consistency point, and a separate check pass verifies
// it.
//
// Names are canonical absolute paths ("/a/b"); there is no per-directory
// lookup structure. An in-memory ordered index over the full paths is
// rebuilt on every open.
//
// Basic usage:
//
//	if err := unfs.Format("/dev/nvme0n1", "scratch"); err != nil {
//	    log.Fatal(err)
//	}
//
//	fs, err := unfs.Open("/dev/nvme0n1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fs.Close()
//
//	if err := fs.Create("/logs", true, false); err != nil {
//	    log.Fatal(err)
//	}
//
//	f := fs.FileOpen("/logs/boot", unfs.OpenCreate)
//	if err := f.Err(); err != nil {
//	    log.Fatal(err)
//	}
//	f.Write([]byte("hello"), 0)
//	f.Close()
package unfs
