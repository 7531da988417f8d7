package device

import (
	"sync"

	"github.com/pkg/errors"
)

// Memory is a RAM-backed device used by the test harness. It honors the same
// contract as the raw backend, including the finite context pool and the
// single-owner scratch buffer, so chunked I/O paths are exercised for real.
type Memory struct {
	mu    sync.RWMutex
	data  []byte
	geo   Geometry
	pool  *contextPool
	fail  error // Injected fault: every read/write returns it
	wrote uint64
	read  uint64
}

// OpenMemory creates a memory backend of the given page count.
func OpenMemory(pages uint64) (*Memory, error) {
	return NewMemory(pages, uint32(envUint(defaultQCount, "QCOUNT")),
		uint32(envUint(defaultQPages, "QPAC", "IOMEMPC")))
}

// NewMemory creates a memory backend with explicit context pool sizing.
// Small scratch sizes force the core to chunk bulk transfers.
func NewMemory(pages uint64, qcount, qpages uint32) (*Memory, error) {
	if pages < 8 {
		return nil, errors.Errorf("device: memory backend too small (%d pages)", pages)
	}
	return &Memory{
		data: make([]byte, pages*PageSize),
		geo: Geometry{
			BlockCount: pages * (PageSize / 512),
			BlockSize:  512,
			PageCount:  pages,
			PageSize:   PageSize,
		},
		pool: newContextPool(qcount, qpages),
	}, nil
}

// Geometry returns the device geometry.
func (d *Memory) Geometry() Geometry { return d.geo }

// AllocContext obtains an I/O context.
func (d *Memory) AllocContext() (*Context, error) { return d.pool.get() }

// FreeContext returns an I/O context to the pool.
func (d *Memory) FreeContext(ioc *Context) { d.pool.put(ioc) }

// FailWith injects a fault: every subsequent read and write returns err.
func (d *Memory) FailWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *Memory) span(pageid uint64, pagecount uint32) (int, int, error) {
	lo := int64(pageid) * PageSize
	hi := lo + int64(pagecount)*PageSize
	if lo < 0 || hi > int64(len(d.data)) {
		return 0, 0, errors.Errorf("device: page range %d+%d out of bounds", pageid, pagecount)
	}
	return int(lo), int(hi), nil
}

// Read copies pagecount pages starting at pageid into buf.
func (d *Memory) Read(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.fail != nil {
		return d.fail
	}
	lo, hi, err := d.span(pageid, pagecount)
	if err != nil {
		return err
	}
	if len(buf) < hi-lo {
		return errors.Errorf("device: read buffer too small: %d < %d", len(buf), hi-lo)
	}
	copy(buf, d.data[lo:hi])
	d.read += uint64(pagecount)
	return nil
}

// Write copies pagecount pages starting at pageid from buf.
func (d *Memory) Write(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	lo, hi, err := d.span(pageid, pagecount)
	if err != nil {
		return err
	}
	if len(buf) < hi-lo {
		return errors.Errorf("device: write buffer too small: %d < %d", len(buf), hi-lo)
	}
	copy(d.data[lo:hi], buf)
	d.wrote += uint64(pagecount)
	return nil
}

// Close releases the backing.
func (d *Memory) Close() error {
	d.mu.Lock()
	d.data = nil
	d.mu.Unlock()
	return nil
}
