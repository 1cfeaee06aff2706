// Package devicesim plays the device side of the four rings for tests. It
// locates rings the way hardware does: by reading the programmed base
// addresses and resolving them against a shared memory region.
package devicesim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

// Registers is an in-memory CSR file.
type Registers struct {
	mu   sync.Mutex
	regs map[uint64]uint32
}

func NewRegisters() *Registers {
	return &Registers{regs: make(map[uint64]uint32)}
}

func (r *Registers) ReadCSR(addr uint64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[addr], nil
}

func (r *Registers) WriteCSR(addr uint64, v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[addr] = v
	return nil
}

// Peer is the device end of a ring set. The host writes cmd-req and send and
// reads cmd-resp and meta-report; Peer does the opposite.
type Peer struct {
	mu    sync.Mutex
	rings [len(device.Rings)]*device.Ring
	work  *descriptor.Decoder[descriptor.WorkDesc]
}

// NewPeer resolves each ring's programmed base against mem, where physical
// address 0 is the first byte of mem.
func NewPeer(csr device.CSR, mem *ringbuf.Region, depth uint32) (*Peer, error) {
	p := &Peer{work: descriptor.NewWorkDecoder()}
	for i, id := range device.Rings {
		phys, err := device.ReadRingBase(csr, id)
		if err != nil {
			return nil, err
		}
		sub, err := mem.Sub(int(phys), device.RingBytes(depth))
		if err != nil {
			return nil, fmt.Errorf("devicesim: ring %s at 0x%x: %w", id, phys, err)
		}
		ring, _, err := ringbuf.NewRingbuf(device.NewCsrProxy(csr, id), sub, depth, descriptor.SlotSize)
		if err != nil {
			return nil, err
		}
		p.rings[i] = ring
	}
	return p, nil
}

// PopCtrl returns the next control request or iox.ErrWouldBlock.
func (p *Peer) PopCtrl() (descriptor.CtrlDesc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rd, err := p.rings[device.RingCmdReq].BeginRead()
	if err != nil {
		return nil, err
	}
	slot, err := rd.Next()
	if err != nil {
		return nil, err
	}
	desc, err := descriptor.DecodeCtrl(slot)
	if err != nil {
		return nil, err
	}
	return desc, rd.Commit()
}

// PopWork returns the next complete work descriptor or iox.ErrWouldBlock.
func (p *Peer) PopWork() (descriptor.WorkDesc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rd, err := p.rings[device.RingSend].BeginRead()
	if err != nil {
		return descriptor.WorkDesc{}, err
	}
	p.work.Reset()
	for {
		slot, err := rd.Next()
		if err != nil {
			_ = rd.CommitN(0)
			return descriptor.WorkDesc{}, err
		}
		done, err := p.work.Feed(slot)
		if err != nil {
			_ = rd.Commit()
			return descriptor.WorkDesc{}, err
		}
		if done {
			return p.work.Value(), rd.Commit()
		}
	}
}

func (p *Peer) PushCtrlResp(resp descriptor.CtrlResp) error {
	return p.PushRaw(device.RingCmdResp, func(slots [][]byte) error {
		return descriptor.EncodeCtrlResp(resp, slots[0])
	}, 1)
}

func (p *Peer) PushHostWork(desc descriptor.HostWorkDesc) error {
	return p.PushRaw(device.RingMetaReport, func(slots [][]byte) error {
		return descriptor.EncodeHostWork(desc, slots)
	}, desc.SlotCount())
}

// PushRaw reserves n slots on ring, lets fill write them and publishes them.
func (p *Peer) PushRaw(ring device.RingID, fill func(slots [][]byte) error, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.rings[ring].BeginWrite()
	if err != nil {
		return err
	}
	if err := w.Reserve(n); err != nil {
		return err
	}
	slots := make([][]byte, n)
	for i := range slots {
		if slots[i], err = w.Next(); err != nil {
			return err
		}
	}
	if err := fill(slots); err != nil {
		return err
	}
	return w.Commit()
}

// Handlers decide how Serve answers requests. Nil handlers acknowledge
// control requests with success and ignore work.
type Handlers struct {
	Ctrl func(descriptor.CtrlDesc) descriptor.CtrlResp
	Work func(descriptor.WorkDesc) []descriptor.HostWorkDesc
}

// AckAll answers every work descriptor with an Ack for its operation.
func AckAll(d descriptor.WorkDesc) []descriptor.HostWorkDesc {
	return []descriptor.HostWorkDesc{{
		Kind: descriptor.HostAck,
		Dqpn: d.Common.Dqpn,
		Msn:  d.Common.Msn,
		Psn:  d.Common.Psn,
	}}
}

// Serve polls the request rings until ctx ends.
func (p *Peer) Serve(ctx context.Context, h Handlers) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		idle := true
		ctrl, err := p.PopCtrl()
		switch {
		case err == nil:
			idle = false
			resp := descriptor.CtrlResp{Opcode: ctrl.Opcode(), OpID: ctrl.OpID(), IsSuccess: true}
			if h.Ctrl != nil {
				resp = h.Ctrl(ctrl)
			}
			if err := p.PushCtrlResp(resp); err != nil {
				return err
			}
		case !iox.IsWouldBlock(err):
			return err
		}
		work, err := p.PopWork()
		switch {
		case err == nil:
			idle = false
			if h.Work == nil {
				break
			}
			for _, out := range h.Work(work) {
				if err := p.PushHostWork(out); err != nil {
					return err
				}
			}
		case iox.IsWouldBlock(err):
		case errors.Is(err, descriptor.ErrDecode):
		default:
			return err
		}
		if idle {
			time.Sleep(200 * time.Microsecond)
		}
	}
}
