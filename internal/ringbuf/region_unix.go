//go:build unix

package ringbuf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// AllocAnonymous maps size bytes (rounded up to a page) of private anonymous
// memory.
func AllocAnonymous(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrRegionSize
	}
	length := roundPage(size)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap anonymous %d: %w", length, err)
	}
	return newRegion(mem, func() error { return unix.Munmap(mem) }), nil
}

// MapShared maps size bytes of path with MAP_SHARED, growing the file when
// it is shorter. Another process mapping the same file sees the same bytes.
func MapShared(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrRegionSize
	}
	length := roundPage(size)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open shared file: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ringbuf: stat shared file: %w", err)
	}
	if st.Size() < int64(length) {
		if err := f.Truncate(int64(length)); err != nil {
			return nil, fmt.Errorf("ringbuf: grow shared file: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap shared %s: %w", path, err)
	}
	return newRegion(mem, func() error { return unix.Munmap(mem) }), nil
}
