// Package device defines the capability every device backend offers to the
// driver: four descriptor rings plus CSR and address translation access.
// Transport and retry code only ever see an Adaptor.
package device

import (
	"errors"

	"github.com/danmuck/openrdma/internal/descriptor"
)

var (
	ErrOverflow     = errors.New("device: ring overflow")
	ErrDevice       = errors.New("device: backend failure")
	ErrLockPoisoned = errors.New("device: ring lock poisoned")
	ErrDecode       = errors.New("device: descriptor decode failed")
	ErrClosed       = errors.New("device: adaptor closed")
)

// ToCardRb accepts descriptors bound for the device.
type ToCardRb[T any] interface {
	Push(desc T) error
}

// ToHostRb yields descriptors reported by the device. Pop returns
// iox.ErrWouldBlock when nothing is available.
type ToHostRb[T any] interface {
	Pop() (T, error)
}

type Adaptor interface {
	ToCardCtrlRb() ToCardRb[descriptor.CtrlDesc]
	ToHostCtrlRb() ToHostRb[descriptor.CtrlResp]
	ToCardWorkRb() ToCardRb[descriptor.WorkDesc]
	ToHostWorkRb() ToHostRb[descriptor.HostWorkDesc]

	ReadCSR(addr uint64) (uint32, error)
	WriteCSR(addr uint64, v uint32) error
	PhysAddr(virt uintptr) (uint64, error)

	Close() error
}
