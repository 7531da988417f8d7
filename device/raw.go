//go:build unix

package device

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Default raw backend sizing, overridable via the environment.
const (
	defaultQCount = 16 // QCOUNT: I/O contexts in the pool
	defaultQPages = 64 // QPAC / IOMEMPC: scratch pages per context
)

// Raw is the page-granular backend over a regular file or a /dev block device.
// The backing is flock-held for the lifetime of the handle: one open handle
// per device, so a second open fails whether it comes from another process
// or from the same one.
type Raw struct {
	file *os.File
	geo  Geometry
	pool *contextPool
}

// OpenRaw opens a raw backend on the named file or block device.
func OpenRaw(name string) (*Raw, error) {
	file, err := openDirect(name)
	if err != nil {
		return nil, errors.Wrapf(err, "device: open %s", name)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "device: %s is in use by another process", name)
	}

	geo, err := probeGeometry(file)
	if err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, errors.Wrapf(err, "device: probe %s", name)
	}
	if geo.PageCount < 8 {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, errors.Errorf("device: %s: too small (%d pages)", name, geo.PageCount)
	}

	qcount := uint32(envUint(defaultQCount, "QCOUNT"))
	qpages := uint32(envUint(defaultQPages, "QPAC", "IOMEMPC"))
	return &Raw{
		file: file,
		geo:  geo,
		pool: newContextPool(qcount, qpages),
	}, nil
}

// Geometry returns the probed device geometry.
func (d *Raw) Geometry() Geometry { return d.geo }

// AllocContext obtains an I/O context.
func (d *Raw) AllocContext() (*Context, error) { return d.pool.get() }

// FreeContext returns an I/O context to the pool.
func (d *Raw) FreeContext(ioc *Context) { d.pool.put(ioc) }

// Read reads pagecount pages starting at pageid into buf.
func (d *Raw) Read(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error {
	n := int(pagecount) * PageSize
	if len(buf) < n {
		return errors.Errorf("device: read buffer too small: %d < %d", len(buf), n)
	}
	off := int64(pageid) * PageSize
	for done := 0; done < n; {
		r, err := unix.Pread(int(d.file.Fd()), buf[done:n], off+int64(done))
		if err != nil {
			return errors.Wrapf(err, "device: read page %d+%d", pageid, pagecount)
		}
		if r == 0 {
			return errors.Errorf("device: short read at page %d", pageid)
		}
		done += r
	}
	return nil
}

// Write writes pagecount pages starting at pageid from buf.
func (d *Raw) Write(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error {
	n := int(pagecount) * PageSize
	if len(buf) < n {
		return errors.Errorf("device: write buffer too small: %d < %d", len(buf), n)
	}
	off := int64(pageid) * PageSize
	for done := 0; done < n; {
		w, err := unix.Pwrite(int(d.file.Fd()), buf[done:n], off+int64(done))
		if err != nil {
			return errors.Wrapf(err, "device: write page %d+%d", pageid, pagecount)
		}
		if w == 0 {
			return errors.Errorf("device: short write at page %d", pageid)
		}
		done += w
	}
	return nil
}

// Close releases the flock and the file handle.
func (d *Raw) Close() error {
	if d.file == nil {
		return nil
	}
	unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	err := d.file.Close()
	d.file = nil
	return err
}
