package device

import (
	"errors"
	"fmt"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

// DefaultRingDepth is the slot depth of each ring unless configured.
const DefaultRingDepth = 128

// RingSet is the four CSR-backed rings of a ring-based backend together with
// their endpoints.
type RingSet struct {
	CtrlSubmit   *CtrlSubmitter
	CtrlComplete *CtrlCompleter
	WorkSubmit   *WorkSubmitter
	WorkComplete *WorkCompleter

	regions [len(Rings)]*ringbuf.Region
	bases   [len(Rings)]uintptr
}

// RingSetConfig describes where ring memory lives and how it is reached.
type RingSetConfig struct {
	Depth uint32
	CSR   CSR
	// Regions holds one region per ring in Rings order. Regions are owned by
	// the RingSet once NewRingSet succeeds.
	Regions [len(Rings)]*ringbuf.Region
	// PhysAddr translates a ring base to the address programmed into the
	// device.
	PhysAddr func(virt uintptr) (uint64, error)
}

// RingBytes is the region size one ring of depth slots needs.
func RingBytes(depth uint32) int {
	return int(depth) * descriptor.SlotSize
}

// NewRingSet lays the rings over their regions and programs each base
// address once.
func NewRingSet(cfg RingSetConfig) (*RingSet, error) {
	if cfg.CSR == nil || cfg.PhysAddr == nil {
		return nil, fmt.Errorf("%w: ring set needs csr access and address translation", ErrDevice)
	}
	if cfg.Depth == 0 {
		cfg.Depth = DefaultRingDepth
	}
	rs := &RingSet{regions: cfg.Regions}
	var rings [len(Rings)]*Ring
	for i, id := range Rings {
		ring, base, err := ringbuf.NewRingbuf(NewCsrProxy(cfg.CSR, id), cfg.Regions[i], cfg.Depth, descriptor.SlotSize)
		if err != nil {
			return nil, fmt.Errorf("%w: build %s ring: %w", ErrDevice, id, err)
		}
		phys, err := cfg.PhysAddr(base)
		if err != nil {
			return nil, fmt.Errorf("%w: translate %s base: %w", ErrDevice, id, err)
		}
		if err := WriteRingBase(cfg.CSR, id, phys); err != nil {
			return nil, err
		}
		logging.Debugf("device.RingSet program ring=%s virt=0x%x phys=0x%x depth=%d", id, base, phys, cfg.Depth)
		rings[i] = ring
		rs.bases[i] = base
	}
	rs.CtrlSubmit = NewCtrlSubmitter(rings[RingCmdReq])
	rs.CtrlComplete = NewCtrlCompleter(rings[RingCmdResp])
	rs.WorkSubmit = NewWorkSubmitter(rings[RingSend])
	rs.WorkComplete = NewWorkCompleter(rings[RingMetaReport])
	return rs, nil
}

// Base returns the virtual base address of ring.
func (rs *RingSet) Base(ring RingID) uintptr {
	return rs.bases[ring]
}

// Close releases ring memory.
func (rs *RingSet) Close() error {
	var errs []error
	for i, r := range rs.regions {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && !errors.Is(err, ringbuf.ErrRegionClosed) {
			errs = append(errs, err)
		}
		rs.regions[i] = nil
	}
	return errors.Join(errs...)
}
