// Package emulated drives an RTL or behavioral simulator. CSRs travel over a
// TCP RPC link; the four rings live in a shared-memory file the simulator
// maps too, so a physical address is an offset into that file.
package emulated

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

type Config struct {
	RPCAddr    string
	SharedMem  string
	RingDepth  uint32
	RPCTimeout time.Duration
}

type Device struct {
	rpc   *RPCClient
	mem   *ringbuf.Region
	rings *device.RingSet
}

var _ device.Adaptor = (*Device)(nil)

// Open connects to the simulator, maps the shared ring memory and programs
// every ring base.
func Open(cfg Config) (*Device, error) {
	if strings.TrimSpace(cfg.SharedMem) == "" {
		return nil, fmt.Errorf("%w: shared memory path required", device.ErrDevice)
	}
	if cfg.RingDepth == 0 {
		cfg.RingDepth = device.DefaultRingDepth
	}
	rpc, err := NewRPCClient(cfg.RPCAddr, cfg.RPCTimeout)
	if err != nil {
		return nil, err
	}
	ringBytes := device.RingBytes(cfg.RingDepth)
	mem, err := ringbuf.MapShared(cfg.SharedMem, ringBytes*len(device.Rings))
	if err != nil {
		_ = rpc.Close()
		return nil, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	d := &Device{rpc: rpc, mem: mem}
	rsCfg := device.RingSetConfig{Depth: cfg.RingDepth, CSR: rpc, PhysAddr: d.PhysAddr}
	for i := range device.Rings {
		if rsCfg.Regions[i], err = mem.Sub(i*ringBytes, ringBytes); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if d.rings, err = device.NewRingSet(rsCfg); err != nil {
		_ = d.Close()
		return nil, err
	}
	logging.Infof("emulated.Device open rpc=%s shared_mem=%s depth=%d", cfg.RPCAddr, cfg.SharedMem, cfg.RingDepth)
	return d, nil
}

func (d *Device) ToCardCtrlRb() device.ToCardRb[descriptor.CtrlDesc] {
	return d.rings.CtrlSubmit
}

func (d *Device) ToHostCtrlRb() device.ToHostRb[descriptor.CtrlResp] {
	return d.rings.CtrlComplete
}

func (d *Device) ToCardWorkRb() device.ToCardRb[descriptor.WorkDesc] {
	return d.rings.WorkSubmit
}

func (d *Device) ToHostWorkRb() device.ToHostRb[descriptor.HostWorkDesc] {
	return d.rings.WorkComplete
}

func (d *Device) ReadCSR(addr uint64) (uint32, error) {
	return d.rpc.ReadCSR(addr)
}

func (d *Device) WriteCSR(addr uint64, v uint32) error {
	return d.rpc.WriteCSR(addr, v)
}

// PhysAddr maps an address inside the shared region to its file offset.
func (d *Device) PhysAddr(virt uintptr) (uint64, error) {
	base := d.mem.Base()
	if virt < base || virt >= base+uintptr(d.mem.Size()) {
		return 0, fmt.Errorf("%w: 0x%x outside shared memory", device.ErrDevice, virt)
	}
	return uint64(virt - base), nil
}

func (d *Device) Close() error {
	var errs []error
	if d.rings != nil {
		errs = append(errs, d.rings.Close())
	}
	if d.mem != nil {
		if err := d.mem.Close(); err != nil && !errors.Is(err, ringbuf.ErrRegionClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, d.rpc.Close())
	return errors.Join(errs...)
}
