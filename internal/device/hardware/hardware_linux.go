//go:build linux

package hardware

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

type Device struct {
	bar     *BAR
	pagemap *Pagemap
	regions []*ringbuf.Region
	rings   *device.RingSet
}

var _ device.Adaptor = (*Device)(nil)

// Open maps the BAR, allocates one locked page-aligned region per ring and
// programs the ring bases with their physical addresses.
func Open(cfg Config) (*Device, error) {
	if cfg.RingDepth == 0 {
		cfg.RingDepth = device.DefaultRingDepth
	}
	ringBytes := device.RingBytes(cfg.RingDepth)
	if ringBytes > os.Getpagesize() {
		return nil, fmt.Errorf("%w: ring of %d bytes spans more than one page", device.ErrDevice, ringBytes)
	}
	bar, err := MapBAR(cfg.ResourcePath, cfg.BARSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	d := &Device{bar: bar}
	if d.pagemap, err = OpenPagemap(cfg.PagemapPath); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	rsCfg := device.RingSetConfig{Depth: cfg.RingDepth, CSR: bar, PhysAddr: d.PhysAddr}
	for i := range device.Rings {
		region, err := ringbuf.AllocAnonymous(ringBytes)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("%w: %w", device.ErrDevice, err)
		}
		d.regions = append(d.regions, region)
		if err := unix.Mlock(region.Bytes()); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("%w: mlock ring memory: %w", device.ErrDevice, err)
		}
		// Touch the page so pagemap reports it present.
		region.Bytes()[0] = 0
		rsCfg.Regions[i] = region
	}
	if d.rings, err = device.NewRingSet(rsCfg); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.waitIndicesClear(cfg.ResetTimeout); err != nil {
		_ = d.Close()
		return nil, err
	}
	logging.Infof("hardware.Device open bar=%s depth=%d", cfg.ResourcePath, cfg.RingDepth)
	return d, nil
}

func (d *Device) waitIndicesClear(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for _, id := range device.Rings {
		for {
			head, err := d.bar.ReadCSR(device.RingCSR(id, device.RegHead))
			if err != nil {
				return err
			}
			tail, err := d.bar.ReadCSR(device.RingCSR(id, device.RegTail))
			if err != nil {
				return err
			}
			if head == 0 && tail == 0 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: ring %s indices not reset head=%d tail=%d", device.ErrDevice, id, head, tail)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
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
	v, err := d.bar.ReadCSR(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	return v, nil
}

func (d *Device) WriteCSR(addr uint64, v uint32) error {
	if err := d.bar.WriteCSR(addr, v); err != nil {
		return fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	return nil
}

func (d *Device) PhysAddr(virt uintptr) (uint64, error) {
	phys, err := d.pagemap.Translate(virt)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	return phys, nil
}

func (d *Device) Close() error {
	var errs []error
	if d.rings != nil {
		errs = append(errs, d.rings.Close())
	} else {
		for _, r := range d.regions {
			errs = append(errs, r.Close())
		}
	}
	if d.pagemap != nil {
		errs = append(errs, d.pagemap.Close())
	}
	if d.bar != nil {
		errs = append(errs, d.bar.Close())
	}
	return errors.Join(errs...)
}
