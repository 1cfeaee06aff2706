package driver

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/retry"
	"github.com/danmuck/openrdma/internal/types"
)

// Write copies the local sges to raddr on the remote queue pair dqpn. The
// returned context resolves when the peer acknowledges the last packet, or
// fails once the retry budget is spent.
func (d *Device) Write(dqpn types.Qpn, raddr uint64, rkey types.Key, flags types.MemAccessFlag, sges ...descriptor.Sge) (*opctx.OpCtx[struct{}], error) {
	var sum uint64
	for _, sge := range sges {
		sum += uint64(sge.Len)
	}
	if sum > math.MaxUint32 {
		return nil, fmt.Errorf("%w: sges total %d bytes", ErrInvalidLength, sum)
	}
	total := uint32(sum)
	qp, ok := d.qp(dqpn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQpn, dqpn)
	}
	common := d.common(qp, raddr, rkey, flags, total)
	common.Psn = qp.reservePsn(types.PacketCount(qp.params.Pmtu, raddr, total))
	b := descriptor.NewWrite().WithCommon(common)
	for _, sge := range sges {
		b.WithSge(sge)
	}
	desc, err := b.Build()
	if err != nil {
		return nil, err
	}
	return d.submit(desc, nil)
}

// Read copies total bytes at raddr on the remote queue pair dqpn into sge.
// The returned context resolves once every read response packet has landed.
func (d *Device) Read(dqpn types.Qpn, raddr uint64, rkey types.Key, flags types.MemAccessFlag, sge descriptor.Sge) (*opctx.OpCtx[struct{}], error) {
	qp, ok := d.qp(dqpn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQpn, dqpn)
	}
	common := d.common(qp, raddr, rkey, flags, sge.Len)
	common.Psn = qp.reservePsn(1)
	desc, err := descriptor.NewRead().WithCommon(common).WithSge(sge).Build()
	if err != nil {
		return nil, err
	}
	// Responses reuse the request PSN as their base and are segmented
	// against the local buffer.
	return d.submit(desc, types.NewPacketMap(common.Psn, types.PacketCount(qp.params.Pmtu, sge.Addr, sge.Len)))
}

func (d *Device) common(qp *qpContext, raddr uint64, rkey types.Key, flags types.MemAccessFlag, total uint32) descriptor.WorkCommon {
	return descriptor.WorkCommon{
		TotalLen: total,
		RAddr:    raddr,
		RKey:     rkey,
		DqpIP:    qp.params.DqpIP,
		Dqpn:     qp.params.Qpn,
		MacAddr:  qp.params.DqpMAC,
		Pmtu:     qp.params.Pmtu,
		Flags:    flags,
		QpType:   qp.params.QpType,
		Msn:      types.Msn(d.nextMsn.Add(1)),
	}
}

// submit registers the operation context and the retry tracking, then pushes
// the descriptor. Tracking is subscribed before the push so a completion
// cancel always reaches the monitor after the retry it cancels. resp, when
// set, collects the PSNs of a read's responses.
func (d *Device) submit(desc descriptor.WorkDesc, resp *types.PacketMap) (*opctx.OpCtx[struct{}], error) {
	if d.closed() {
		return nil, ErrClosed
	}
	key := desc.Key()
	op := opctx.NewRunning[struct{}]()
	if err := d.ops.Insert(key, op); err != nil {
		return nil, fmt.Errorf("%w: %s", err, key)
	}
	if resp != nil {
		d.trackRead(key, resp)
	}
	if err := d.monitor.Subscribe(retry.RetryEvent(desc, key.Qpn, key.Msn)); err != nil {
		d.ops.Remove(key)
		d.untrackRead(key)
		return nil, err
	}
	if err := d.SendWorkDesc(desc); err != nil {
		d.ops.Remove(key)
		d.untrackRead(key)
		if cerr := d.monitor.Subscribe(retry.CancelEvent(key.Qpn, key.Msn)); cerr != nil {
			logging.Warnf("driver.Device cancel_after_push_failure key=%s err=%v", key, cerr)
		}
		return nil, err
	}
	logging.Debugf("driver.Device submit opcode=%s key=%s psn=%d len=%d", desc.Opcode, key, desc.Common.Psn, desc.Common.TotalLen)
	return op, nil
}

// SendWorkDesc pushes desc to the device. The retry monitor resends through
// it, so it never registers tracking itself.
func (d *Device) SendWorkDesc(desc descriptor.WorkDesc) error {
	if err := d.adaptor.ToCardWorkRb().Push(desc); err != nil {
		if errors.Is(err, device.ErrOverflow) {
			return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
		}
		return err
	}
	return nil
}

// readSweepAt is the tracker count past which trackers of reads that are no
// longer outstanding are dropped.
const readSweepAt = 256

func (d *Device) trackRead(key types.OpKey, resp *types.PacketMap) {
	d.readMu.Lock()
	defer d.readMu.Unlock()
	if len(d.reads) >= readSweepAt {
		for k := range d.reads {
			if _, ok := d.ops.Get(k); !ok {
				delete(d.reads, k)
			}
		}
	}
	d.reads[key] = resp
}

func (d *Device) untrackRead(key types.OpKey) {
	d.readMu.Lock()
	delete(d.reads, key)
	d.readMu.Unlock()
}

// readLanded records one read response packet and reports whether every
// packet of the read has now arrived.
func (d *Device) readLanded(desc descriptor.HostWorkDesc) bool {
	key := desc.OpKey()
	d.readMu.Lock()
	defer d.readMu.Unlock()
	resp, ok := d.reads[key]
	if !ok {
		logging.Debugf("driver.Device read_resp_untracked key=%s psn=%d", key, desc.Psn)
		return false
	}
	if !resp.Insert(desc.Psn) && !resp.Has(desc.Psn) {
		logging.Warnf("driver.Device read_resp_out_of_range key=%s psn=%d base=%d", key, desc.Psn, resp.Base())
		return false
	}
	if !resp.Complete() {
		return false
	}
	delete(d.reads, key)
	return true
}
