package software

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var ErrMemoryRange = errors.New("software: memory access out of range")

// Memory is the local memory the responder reads and writes. Addresses are
// the ones carried in descriptors and packets.
type Memory interface {
	ReadAt(addr uint64, p []byte) error
	WriteAt(addr uint64, p []byte) error
}

// ProcessMemory treats addresses as raw virtual addresses of this process.
// Callers must keep the referenced buffers alive while operations are in
// flight.
type ProcessMemory struct{}

func (ProcessMemory) view(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: nil address", ErrMemoryRange)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}

func (m ProcessMemory) ReadAt(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	src, err := m.view(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (m ProcessMemory) WriteAt(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	dst, err := m.view(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// BufferMemory is a bounds-checked window [Base, Base+len) over a byte slice.
type BufferMemory struct {
	Base uint64

	mu  sync.RWMutex
	buf []byte
}

func NewBufferMemory(base uint64, size int) *BufferMemory {
	return &BufferMemory{Base: base, buf: make([]byte, size)}
}

func (m *BufferMemory) span(addr uint64, n int) (int, error) {
	if addr < m.Base || addr-m.Base+uint64(n) > uint64(len(m.buf)) {
		return 0, fmt.Errorf("%w: [0x%x,+%d)", ErrMemoryRange, addr, n)
	}
	return int(addr - m.Base), nil
}

func (m *BufferMemory) ReadAt(addr uint64, p []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

func (m *BufferMemory) WriteAt(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(m.buf[off:], p)
	return nil
}

// Snapshot copies n bytes at addr.
func (m *BufferMemory) Snapshot(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	return out, m.ReadAt(addr, out)
}
