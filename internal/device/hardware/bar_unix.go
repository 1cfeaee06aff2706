//go:build unix

package hardware

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BAR is an mmapped PCIe base address register window.
type BAR struct {
	mem []byte
}

func MapBAR(path string, size int) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hardware: open bar: %w", err)
	}
	defer f.Close()
	if size <= 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("hardware: stat bar: %w", err)
		}
		size = int(st.Size())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hardware: mmap bar %s: %w", path, err)
	}
	return &BAR{mem: mem}, nil
}

func (b *BAR) word(addr uint64) (*uint32, error) {
	if addr%4 != 0 || addr+4 > uint64(len(b.mem)) {
		return nil, fmt.Errorf("%w: 0x%x", ErrCSRRange, addr)
	}
	return (*uint32)(unsafe.Pointer(&b.mem[addr])), nil
}

func (b *BAR) ReadCSR(addr uint64) (uint32, error) {
	w, err := b.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

func (b *BAR) WriteCSR(addr uint64, v uint32) error {
	w, err := b.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, v)
	return nil
}

func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	return unix.Munmap(mem)
}
