package driver

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/retry"
)

// poll drains one to-host ring until stop. Empty reads back off; errors
// are logged and never end the loop.
func poll[T any](d *Device, name string, rb device.ToHostRb[T], handle func(T)) {
	defer d.wg.Done()
	var bo iox.Backoff
	poisoned := false
	for {
		select {
		case <-d.stop:
			logging.Debugf("driver.Device poller_stop poller=%s", name)
			return
		default:
		}
		v, err := rb.Pop()
		switch {
		case err == nil:
			bo.Reset()
			handle(v)
		case iox.IsWouldBlock(err):
			bo.Wait()
		case errors.Is(err, device.ErrLockPoisoned):
			if !poisoned {
				poisoned = true
				logging.Errf("driver.Device poller_poisoned poller=%s err=%v", name, err)
			}
			bo.Wait()
		default:
			logging.Warnf("driver.Device poll_error poller=%s err=%v", name, err)
			bo.Wait()
		}
	}
}

func (d *Device) pollCtrl() {
	poll(d, "ctrl", d.adaptor.ToHostCtrlRb(), d.handleCtrlResp)
}

func (d *Device) pollWork() {
	poll(d, "work", d.adaptor.ToHostWorkRb(), d.handleWork)
}

func (d *Device) handleCtrlResp(resp descriptor.CtrlResp) {
	op, ok := d.ctrl.Take(resp.OpID)
	if !ok {
		logging.Warnf("driver.Device ctrl_resp_unknown op_id=%d opcode=%s", resp.OpID, resp.Opcode)
		return
	}
	op.SetResult(resp.IsSuccess)
}

func (d *Device) handleWork(desc descriptor.HostWorkDesc) {
	switch desc.Kind {
	case descriptor.HostAck:
		d.complete(desc, "write", "")
	case descriptor.HostNak:
		d.complete(desc, "write", fmt.Sprintf("nak code=%d psn=%d..%d", desc.Code, desc.LostPsnStart, desc.LostPsnEnd))
	case descriptor.HostWriteOrReadResp:
		if desc.IsReadResp {
			logging.Tracef("driver.Device read_resp key=%s psn=%d len=%d", desc.OpKey(), desc.Psn, desc.Len)
			if d.readLanded(desc) {
				d.complete(desc, "read", "")
			}
			return
		}
		logging.Tracef("driver.Device recv kind=%s key=%s psn=%d len=%d", desc.Kind, desc.OpKey(), desc.Psn, desc.Len)
	case descriptor.HostWriteWithImm:
		logging.Debugf("driver.Device recv_imm key=%s imm=0x%x pos=%d", desc.OpKey(), desc.Imm, desc.Pos)
	case descriptor.HostReadRequest:
		d.answerRead(desc)
	default:
		logging.Warnf("driver.Device unknown_work kind=%s key=%s", desc.Kind, desc.OpKey())
	}
}

// complete resolves the operation named by desc and stops its retry
// tracking. A missing context means another path already resolved it.
func (d *Device) complete(desc descriptor.HostWorkDesc, kind, failure string) {
	key := desc.OpKey()
	op, ok := d.ops.Take(key)
	if !ok {
		logging.Debugf("driver.Device completion_without_ctx kind=%s key=%s", desc.Kind, key)
		return
	}
	outcome := "succeeded"
	if failure != "" {
		outcome = "failed"
		op.SetError(failure)
		logging.Warnf("driver.Device op_failed key=%s reason=%q", key, failure)
	} else {
		op.SetResult(struct{}{})
	}
	observability.RecordOpCompleted(kind, outcome)
	if err := d.monitor.Subscribe(retry.CancelEvent(key.Qpn, key.Msn)); err != nil {
		logging.Warnf("driver.Device cancel key=%s err=%v", key, err)
	}
}

// answerRead serves a peer's read request with a ReadResp descriptor that
// carries the request's identity back to the requester.
func (d *Device) answerRead(req descriptor.HostWorkDesc) {
	qp, ok := d.qp(req.Dqpn)
	if !ok {
		logging.Warnf("driver.Device read_request_unknown_qp key=%s", req.OpKey())
		return
	}
	desc, err := descriptor.NewReadResp().
		WithCommon(descriptor.WorkCommon{
			TotalLen: req.Len,
			RAddr:    req.RAddr,
			RKey:     req.RKey,
			DqpIP:    qp.params.DqpIP,
			Dqpn:     req.Dqpn,
			MacAddr:  qp.params.DqpMAC,
			Pmtu:     qp.params.Pmtu,
			QpType:   qp.params.QpType,
			Psn:      req.Psn,
			Msn:      req.Msn,
		}).
		WithSge(descriptor.Sge{Addr: req.Addr, Len: req.Len, Key: req.Key}).
		Build()
	if err != nil {
		logging.Warnf("driver.Device read_response_build key=%s err=%v", req.OpKey(), err)
		return
	}
	if err := d.SendWorkDesc(desc); err != nil {
		logging.Warnf("driver.Device read_response_send key=%s err=%v", req.OpKey(), err)
		return
	}
	logging.Debugf("driver.Device read_response key=%s len=%d", req.OpKey(), req.Len)
}
