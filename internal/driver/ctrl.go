package driver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/types"
)

// QpParams describes a reliable connection to a remote queue pair. Qpn is
// the remote queue pair number work descriptors are addressed to.
type QpParams struct {
	Qpn         types.Qpn
	PdHandler   uint32
	QpType      types.QpType
	AccessFlags types.MemAccessFlag
	Pmtu        types.Pmtu
	DqpIP       netip.Addr
	DqpMAC      types.MAC
	InitialPsn  types.Psn
}

type qpContext struct {
	params QpParams

	mu         sync.Mutex
	sendingPsn types.Psn
}

// reservePsn hands out n consecutive PSNs and returns the first.
func (q *qpContext) reservePsn(n uint32) types.Psn {
	q.mu.Lock()
	defer q.mu.Unlock()
	first := q.sendingPsn
	q.sendingPsn = q.sendingPsn.WrappingAdd(n)
	return first
}

func (d *Device) qp(qpn types.Qpn) (*qpContext, bool) {
	d.qpMu.RLock()
	defer d.qpMu.RUnlock()
	qp, ok := d.qps[qpn]
	return qp, ok
}

// CreateQP registers the queue pair on the device and then locally.
func (d *Device) CreateQP(p QpParams) error {
	if p.Pmtu.Bytes() == 0 {
		return fmt.Errorf("%w: %d", types.ErrInvalidPmtu, p.Pmtu)
	}
	if _, ok := d.qp(p.Qpn); ok {
		return fmt.Errorf("%w: %s", ErrQpExists, p.Qpn)
	}
	id := d.ctrlID()
	err := d.doCtrl(descriptor.QpManagement{
		ID:            id,
		IsValid:       true,
		Qpn:           p.Qpn,
		PdHandler:     p.PdHandler,
		QpType:        p.QpType,
		RqAccessFlags: p.AccessFlags,
		Pmtu:          p.Pmtu,
	})
	if err != nil {
		return fmt.Errorf("create qp %s: %w", p.Qpn, err)
	}
	d.qpMu.Lock()
	d.qps[p.Qpn] = &qpContext{params: p, sendingPsn: p.InitialPsn}
	d.qpMu.Unlock()
	logging.Infof("driver.Device create_qp qpn=%s type=%s pmtu=%d dqp_ip=%s", p.Qpn, p.QpType, p.Pmtu.Bytes(), p.DqpIP)
	return nil
}

// DestroyQP removes the queue pair from the device and then locally.
func (d *Device) DestroyQP(qpn types.Qpn) error {
	qp, ok := d.qp(qpn)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidQpn, qpn)
	}
	err := d.doCtrl(descriptor.QpManagement{
		ID:        d.ctrlID(),
		IsValid:   false,
		Qpn:       qpn,
		PdHandler: qp.params.PdHandler,
		QpType:    qp.params.QpType,
	})
	if err != nil {
		return fmt.Errorf("destroy qp %s: %w", qpn, err)
	}
	d.qpMu.Lock()
	delete(d.qps, qpn)
	d.qpMu.Unlock()
	logging.Infof("driver.Device destroy_qp qpn=%s", qpn)
	return nil
}

// SetNetwork programs the local port addressing.
func (d *Device) SetNetwork(n types.Network) error {
	err := d.doCtrl(descriptor.SetNetworkParam{
		ID:      d.ctrlID(),
		IPAddr:  n.IP,
		Gateway: n.Gateway,
		Netmask: n.Netmask,
		MacAddr: n.MAC,
	})
	if err != nil {
		return fmt.Errorf("set network: %w", err)
	}
	d.netMu.Lock()
	d.network = n
	d.netMu.Unlock()
	logging.Infof("driver.Device set_network ip=%s mac=%s", n.IP, n.MAC)
	return nil
}

func (d *Device) ctrlID() uint32 {
	return d.nextCtrlID.Add(1)
}

// doCtrl pushes one control descriptor and waits for its response.
func (d *Device) doCtrl(desc descriptor.CtrlDesc) error {
	if d.closed() {
		return ErrClosed
	}
	id := desc.OpID()
	op := opctx.NewRunning[bool]()
	if err := d.ctrl.Insert(id, op); err != nil {
		return fmt.Errorf("%w: %d", ErrOpIDUsed, id)
	}
	if err := d.adaptor.ToCardCtrlRb().Push(desc); err != nil {
		d.ctrl.Remove(id)
		if errors.Is(err, device.ErrOverflow) {
			return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
		}
		return err
	}
	logging.Debugf("driver.Device ctrl_submit opcode=%s op_id=%d", desc.Opcode(), id)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CtrlTimeout)
	defer cancel()
	ok, err := op.WaitResultContext(ctx)
	if err != nil {
		d.ctrl.Remove(id)
		return fmt.Errorf("%w: %s op_id=%d: %w", ErrCtrlFailed, desc.Opcode(), id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s op_id=%d rejected by device", ErrCtrlFailed, desc.Opcode(), id)
	}
	return nil
}

// QueuePairs lists the registered queue pairs ordered by number.
func (d *Device) QueuePairs() []QpParams {
	d.qpMu.RLock()
	out := make([]QpParams, 0, len(d.qps))
	for _, qp := range d.qps {
		out = append(out, qp.params)
	}
	d.qpMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Qpn < out[j].Qpn })
	return out
}
