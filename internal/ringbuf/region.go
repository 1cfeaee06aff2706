package ringbuf

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

var (
	ErrRegionSize   = errors.New("ringbuf: invalid region size")
	ErrRegionClosed = errors.New("ringbuf: region closed")
)

// Region is page-aligned backing memory for one or more rings. Base is the
// process virtual address of the first byte; it never moves.
type Region struct {
	mem     []byte
	base    uintptr
	release func() error
}

func pageSize() int {
	return os.Getpagesize()
}

// roundPage rounds n up to a whole number of pages.
func roundPage(n int) int {
	p := pageSize()
	return (n + p - 1) / p * p
}

func newRegion(mem []byte, release func() error) *Region {
	return &Region{
		mem:     mem,
		base:    uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		release: release,
	}
}

// FromBytes wraps caller-owned memory. The slice must outlive the region and
// is never released by Close.
func FromBytes(mem []byte) (*Region, error) {
	if len(mem) == 0 {
		return nil, ErrRegionSize
	}
	return newRegion(mem, nil), nil
}

func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) Base() uintptr { return r.base }

func (r *Region) Size() int { return len(r.mem) }

// Sub returns a view of [off, off+size). The view shares memory with r and
// is not released on its own.
func (r *Region) Sub(off, size int) (*Region, error) {
	if off < 0 || size <= 0 || off+size > len(r.mem) {
		return nil, fmt.Errorf("%w: sub [%d,%d) of %d", ErrRegionSize, off, off+size, len(r.mem))
	}
	return newRegion(r.mem[off:off+size:off+size], nil), nil
}

func (r *Region) Close() error {
	if r.mem == nil {
		return ErrRegionClosed
	}
	release := r.release
	r.mem = nil
	r.release = nil
	if release == nil {
		return nil
	}
	return release()
}
