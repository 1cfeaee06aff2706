// Package ringbuf implements the fixed-depth slot rings shared between the
// host and the device. A ring is owned by exactly one producer and one
// consumer; the producer publishes the head index and the consumer publishes
// the tail index through a CsrProxy.
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"

	"code.hybscloud.com/iox"
)

var (
	ErrOverflow     = errors.New("ringbuf: ring full")
	ErrIndexCorrupt = errors.New("ringbuf: index outside ring window")
	ErrInvalidDepth = errors.New("ringbuf: depth must be a power of two")
	ErrWriteActive  = errors.New("ringbuf: slot count exceeds reservation")
)

// CsrProxy reaches the head and tail index registers of one ring.
type CsrProxy interface {
	ReadHead() (uint32, error)
	WriteHead(v uint32) error
	ReadTail() (uint32, error)
	WriteTail(v uint32) error
}

// Ringbuf is a ring of depth slots of slotSize bytes. Indices count modulo
// 2*depth so a full ring (head-tail == depth) differs from an empty one
// (head == tail). Ringbuf is not safe for concurrent use; callers serialize
// access per ring.
type Ringbuf[P CsrProxy] struct {
	proxy    P
	mem      []byte
	base     uintptr
	depth    uint32
	slotSize int
	wrap     uint32

	head atomic.Uint32
	tail atomic.Uint32
}

// NewRingbuf lays a ring over region and returns it with its base address.
// Both indices start at zero.
func NewRingbuf[P CsrProxy](proxy P, region *Region, depth uint32, slotSize int) (*Ringbuf[P], uintptr, error) {
	if depth == 0 || depth&(depth-1) != 0 || depth > 1<<30 {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	if slotSize <= 0 {
		return nil, 0, fmt.Errorf("%w: slot size %d", ErrRegionSize, slotSize)
	}
	need := int(depth) * slotSize
	if region == nil || region.Size() < need {
		return nil, 0, fmt.Errorf("%w: ring needs %d bytes", ErrRegionSize, need)
	}
	r := &Ringbuf[P]{
		proxy:    proxy,
		mem:      region.Bytes()[:need],
		base:     region.Base(),
		depth:    depth,
		slotSize: slotSize,
		wrap:     2 * depth,
	}
	return r, r.base, nil
}

func (r *Ringbuf[P]) Depth() uint32 { return r.depth }

func (r *Ringbuf[P]) SlotSize() int { return r.slotSize }

func (r *Ringbuf[P]) Base() uintptr { return r.base }

// Head and Tail report the locally cached indices.
func (r *Ringbuf[P]) Head() uint32 { return r.head.Load() }

func (r *Ringbuf[P]) Tail() uint32 { return r.tail.Load() }

func (r *Ringbuf[P]) used(head, tail uint32) uint32 {
	return (head + r.wrap - tail) % r.wrap
}

func (r *Ringbuf[P]) slot(idx uint32) []byte {
	off := int(idx%r.depth) * r.slotSize
	return r.mem[off : off+r.slotSize : off+r.slotSize]
}

// Writer stages slots at the producer side. Nothing is visible to the
// consumer until Commit.
type Writer[P CsrProxy] struct {
	r        *Ringbuf[P]
	tail     uint32
	reserved uint32
	written  uint32
}

// BeginWrite snapshots the consumer index once.
func (r *Ringbuf[P]) BeginWrite() (*Writer[P], error) {
	tail, err := r.proxy.ReadTail()
	if err != nil {
		return nil, fmt.Errorf("ringbuf: read tail: %w", err)
	}
	tail %= r.wrap
	if r.used(r.head.Load(), tail) > r.depth {
		return nil, fmt.Errorf("%w: head=%d tail=%d depth=%d", ErrIndexCorrupt, r.head.Load(), tail, r.depth)
	}
	r.tail.Store(tail)
	return &Writer[P]{r: r, tail: tail}, nil
}

// Free reports how many slots can still be reserved.
func (w *Writer[P]) Free() uint32 {
	return w.r.depth - w.r.used(w.r.head.Load(), w.tail) - w.reserved
}

// Reserve claims n more slots or fails with ErrOverflow without claiming any.
func (w *Writer[P]) Reserve(n int) error {
	if n <= 0 {
		return nil
	}
	if uint32(n) > w.Free() {
		return fmt.Errorf("%w: need %d free %d", ErrOverflow, n, w.Free())
	}
	w.reserved += uint32(n)
	return nil
}

// Next returns the next reserved slot.
func (w *Writer[P]) Next() ([]byte, error) {
	if w.written >= w.reserved {
		return nil, ErrWriteActive
	}
	s := w.r.slot(w.r.head.Load() + w.written)
	w.written++
	return s, nil
}

// Commit publishes every slot returned by Next. The head store happens after
// all slot stores. If the head register write fails the slots are dropped
// and the local head stays put, so the next Commit reuses them.
func (w *Writer[P]) Commit() error {
	if w.written == 0 {
		return nil
	}
	head := (w.r.head.Load() + w.written) % w.r.wrap
	w.reserved -= w.written
	w.written = 0
	if err := w.r.proxy.WriteHead(head); err != nil {
		return fmt.Errorf("ringbuf: write head: %w", err)
	}
	w.r.head.Store(head)
	return nil
}

// Reader walks unread slots at the consumer side. The consumer index moves
// only on Commit; a dropped Reader leaves the slots for the next read.
type Reader[P CsrProxy] struct {
	r    *Ringbuf[P]
	head uint32
	read uint32
}

// BeginRead snapshots the producer index once.
func (r *Ringbuf[P]) BeginRead() (*Reader[P], error) {
	head, err := r.proxy.ReadHead()
	if err != nil {
		return nil, fmt.Errorf("ringbuf: read head: %w", err)
	}
	head %= r.wrap
	if r.used(head, r.tail.Load()) > r.depth {
		return nil, fmt.Errorf("%w: head=%d tail=%d depth=%d", ErrIndexCorrupt, head, r.tail.Load(), r.depth)
	}
	r.head.Store(head)
	return &Reader[P]{r: r, head: head}, nil
}

// Available reports how many unread slots remain in this snapshot.
func (rd *Reader[P]) Available() uint32 {
	return rd.r.used(rd.head, rd.r.tail.Load()) - rd.read
}

// Next returns the next unread slot or iox.ErrWouldBlock.
func (rd *Reader[P]) Next() ([]byte, error) {
	if rd.Available() == 0 {
		return nil, iox.ErrWouldBlock
	}
	s := rd.r.slot(rd.r.tail.Load() + rd.read)
	rd.read++
	return s, nil
}

// Commit releases every slot returned by Next.
func (rd *Reader[P]) Commit() error {
	return rd.CommitN(rd.read)
}

// CommitN releases the first n slots returned by Next and rewinds the rest.
// A failed tail register write releases nothing.
func (rd *Reader[P]) CommitN(n uint32) error {
	if n > rd.read {
		n = rd.read
	}
	rd.read = 0
	if n == 0 {
		return nil
	}
	tail := (rd.r.tail.Load() + n) % rd.r.wrap
	if err := rd.r.proxy.WriteTail(tail); err != nil {
		return fmt.Errorf("ringbuf: write tail: %w", err)
	}
	rd.r.tail.Store(tail)
	return nil
}
