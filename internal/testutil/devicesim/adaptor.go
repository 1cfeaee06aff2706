package devicesim

import (
	"errors"
	"fmt"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

// Adaptor is a ring-backed device.Adaptor over in-process memory and an
// in-memory CSR file. Physical addresses are offsets into Memory.
type Adaptor struct {
	Regs   *Registers
	Memory *ringbuf.Region
	rings  *device.RingSet
}

// NewAdaptor builds the adaptor and a Peer serving its rings.
func NewAdaptor(depth uint32) (*Adaptor, *Peer, error) {
	if depth == 0 {
		depth = device.DefaultRingDepth
	}
	ringBytes := device.RingBytes(depth)
	mem, err := ringbuf.AllocAnonymous(ringBytes * len(device.Rings))
	if err != nil {
		return nil, nil, err
	}
	a := &Adaptor{Regs: NewRegisters(), Memory: mem}
	cfg := device.RingSetConfig{Depth: depth, CSR: a.Regs, PhysAddr: a.PhysAddr}
	for i := range device.Rings {
		if cfg.Regions[i], err = mem.Sub(i*ringBytes, ringBytes); err != nil {
			_ = mem.Close()
			return nil, nil, err
		}
	}
	if a.rings, err = device.NewRingSet(cfg); err != nil {
		_ = mem.Close()
		return nil, nil, err
	}
	peer, err := NewPeer(a.Regs, mem, depth)
	if err != nil {
		_ = mem.Close()
		return nil, nil, err
	}
	return a, peer, nil
}

func (a *Adaptor) ToCardCtrlRb() device.ToCardRb[descriptor.CtrlDesc] {
	return a.rings.CtrlSubmit
}

func (a *Adaptor) ToHostCtrlRb() device.ToHostRb[descriptor.CtrlResp] {
	return a.rings.CtrlComplete
}

func (a *Adaptor) ToCardWorkRb() device.ToCardRb[descriptor.WorkDesc] {
	return a.rings.WorkSubmit
}

func (a *Adaptor) ToHostWorkRb() device.ToHostRb[descriptor.HostWorkDesc] {
	return a.rings.WorkComplete
}

func (a *Adaptor) ReadCSR(addr uint64) (uint32, error) { return a.Regs.ReadCSR(addr) }

func (a *Adaptor) WriteCSR(addr uint64, v uint32) error { return a.Regs.WriteCSR(addr, v) }

func (a *Adaptor) PhysAddr(virt uintptr) (uint64, error) {
	base := a.Memory.Base()
	if virt < base || virt >= base+uintptr(a.Memory.Size()) {
		return 0, fmt.Errorf("%w: 0x%x outside simulated memory", device.ErrDevice, virt)
	}
	return uint64(virt - base), nil
}

func (a *Adaptor) Close() error {
	return errors.Join(a.rings.Close(), a.Memory.Close())
}
