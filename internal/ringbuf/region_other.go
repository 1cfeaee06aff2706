//go:build !unix

package ringbuf

import (
	"errors"
	"unsafe"
)

var errSharedUnsupported = errors.New("ringbuf: shared mappings unsupported on this platform")

// AllocAnonymous falls back to a heap slice aligned to a page boundary.
func AllocAnonymous(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrRegionSize
	}
	p := pageSize()
	length := roundPage(size)
	raw := make([]byte, length+p)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(p)); rem != 0 {
		off = p - rem
	}
	return newRegion(raw[off:off+length:off+length], nil), nil
}

func MapShared(path string, size int) (*Region, error) {
	return nil, errSharedUnsupported
}
