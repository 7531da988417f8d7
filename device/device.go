// Package device provides the page-granular block device contract used by
// the filesystem core, and the backends that implement it. A backend is
// selected from the device name: a path names the raw file backend, a
// "mem:" prefix names the in-memory backend, and a PCI address in XX:XX.X
// form names the user-space NVMe driver backend.
package device

import (
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// PageSize is the fixed page size of the device contract (4KB)
const PageSize = 4096

// Geometry describes a device as carved into pages.
type Geometry struct {
	BlockCount uint64 // Device size in native blocks
	BlockSize  uint32 // Native block size in bytes
	PageCount  uint64 // Device size in pages
	PageSize   uint32 // Always PageSize
}

// Device is the page-granular I/O contract. Read and write are synchronous
// and page-aligned; buffers come from a per-context scratch allocation that
// is single-owner: a context's buffer may not be obtained twice without an
// intervening free.
type Device interface {
	// Geometry returns the probed device geometry.
	Geometry() Geometry

	// AllocContext obtains an I/O context from the backend's finite pool.
	AllocContext() (*Context, error)

	// FreeContext returns a context to the pool.
	FreeContext(ioc *Context)

	// Read reads pagecount pages starting at pageid into buf.
	Read(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error

	// Write writes pagecount pages starting at pageid from buf.
	Write(ioc *Context, buf []byte, pageid uint64, pagecount uint32) error

	// Close releases all backend resources.
	Close() error
}

// Context is a concurrency token bound to one backend queue slot and its
// scratch buffer.
type Context struct {
	id      int
	scratch []byte // Scratch buffer, len = pages*PageSize
	pages   uint32 // Scratch capacity in pages
	taken   bool   // Outstanding PageAlloc
}

// ID returns the context's queue slot index.
func (c *Context) ID() int { return c.id }

// Pages returns the scratch buffer capacity in pages.
func (c *Context) Pages() uint32 { return c.pages }

// PageAlloc returns the context's scratch buffer for up to *pc pages,
// clamping *pc to the scratch capacity. The buffer stays owned by the
// context; it must be released with PageFree before the next PageAlloc.
func (c *Context) PageAlloc(pc *uint32) ([]byte, error) {
	if c.taken {
		return nil, errors.New("device: context buffer already allocated")
	}
	if *pc > c.pages {
		*pc = c.pages
	}
	c.taken = true
	return c.scratch[:int(*pc)*PageSize], nil
}

// PageFree releases the buffer obtained with PageAlloc.
func (c *Context) PageFree(buf []byte) {
	c.taken = false
}

// pciAddr matches the XX:XX.X PCI address form of the NVMe user-driver backend.
var pciAddr = regexp.MustCompile(`^[0-9a-fA-F]{2,4}:[0-9a-fA-F]{2}\.[0-9a-fA-F]$`)

// Open selects and opens a backend from the device name. When name is empty
// the DEVICE environment variable is consulted.
func Open(name string) (Device, error) {
	if name == "" {
		name = os.Getenv("DEVICE")
	}
	switch {
	case name == "":
		return nil, errors.New("device: no device specified (set DEVICE or pass a name)")
	case pciAddr.MatchString(name):
		return nil, errors.Errorf("device: %s: NVMe user-driver backend is not linked into this build", name)
	case len(name) > 4 && name[:4] == "mem:":
		pages, err := strconv.ParseUint(name[4:], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "device: %s: bad page count", name)
		}
		return OpenMemory(pages)
	default:
		return OpenRaw(name)
	}
}

// envUint reads an unsigned integer from the environment, falling back to
// def when unset or malformed. QPAC is consulted before IOMEMPC so that the
// test harness can force small scratch buffers to exercise chunking.
func envUint(def uint64, names ...string) uint64 {
	for _, n := range names {
		if s := os.Getenv(n); s != "" {
			if v, err := strconv.ParseUint(s, 10, 64); err == nil && v > 0 {
				return v
			}
		}
	}
	return def
}

// contextPool hands out a fixed set of contexts.
type contextPool struct {
	mu   sync.Mutex
	free []*Context
}

func newContextPool(count, scratchPages uint32) *contextPool {
	if count == 0 {
		count = 1
	}
	// Entry records span two pages; a smaller scratch cannot stage one
	if scratchPages < 2 {
		scratchPages = 2
	}
	p := &contextPool{free: make([]*Context, 0, count)}
	for i := uint32(0); i < count; i++ {
		p.free = append(p.free, &Context{
			id:      int(i),
			scratch: alignedBuffer(int(scratchPages) * PageSize),
			pages:   scratchPages,
		})
	}
	return p
}

func (p *contextPool) get() (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, errors.New("device: I/O context pool exhausted")
	}
	c := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return c, nil
}

func (p *contextPool) put(c *Context) {
	if c == nil {
		return
	}
	c.taken = false
	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// alignedBuffer allocates a page-aligned byte slice suitable for direct I/O.
func alignedBuffer(size int) []byte {
	raw := make([]byte, size+PageSize)
	off := 0
	if r := int(uintptr(sliceAddr(raw)) & uintptr(PageSize-1)); r != 0 {
		off = PageSize - r
	}
	return raw[off : off+size : off+size]
}
