package software

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/types"
)

// Nak reason codes carried in Packet.Imm and HostWorkDesc.Code.
const (
	NakInvalidQp     uint32 = 1
	NakRemoteAccess  uint32 = 2
	NakInvalidPacket uint32 = 3
)

// Partial messages older than recvTTL are dropped once recvPruneAt messages
// are open.
const (
	recvTTL     = 30 * time.Second
	recvPruneAt = 1024
)

// recvMessage collects the PSNs of one incoming message. PSNs that arrive
// before the first packet wait in pending: the first packet's address fixes
// the packet count.
type recvMessage struct {
	pending map[types.Psn]struct{}
	pkts    *types.PacketMap
	touched time.Time
}

// track records p against its message and returns the message's PSN map
// once every packet arrived. A completed message is forgotten, so a full
// resend completes (and is acknowledged) again. Only the receive loop calls
// track.
func (d *Device) track(p Packet) (*types.PacketMap, bool) {
	now := time.Now()
	key := p.Key()
	m, ok := d.recv[key]
	if !ok {
		if len(d.recv) >= recvPruneAt {
			d.pruneRecv(now)
		}
		m = &recvMessage{pending: make(map[types.Psn]struct{})}
		d.recv[key] = m
	}
	m.touched = now
	if p.First && (m.pkts == nil || m.pkts.Base() != p.Psn) {
		m.pkts = types.NewPacketMap(p.Psn, types.PacketCount(p.Pmtu, p.RAddr, p.TotalLen))
		for psn := range m.pending {
			m.pkts.Insert(psn)
		}
		clear(m.pending)
	}
	if m.pkts == nil {
		m.pending[p.Psn] = struct{}{}
		return nil, false
	}
	m.pkts.Insert(p.Psn)
	if !m.pkts.Complete() {
		logging.Tracef("software.Device partial key=%s psn=%d missing=%d", key, p.Psn, m.pkts.Missing())
		return nil, false
	}
	delete(d.recv, key)
	return m.pkts, true
}

func (d *Device) pruneRecv(now time.Time) {
	for key, m := range d.recv {
		if now.Sub(m.touched) > recvTTL {
			missing := uint32(len(m.pending))
			if m.pkts != nil {
				missing = m.pkts.Missing()
			}
			logging.Warnf("software.Device partial_expired key=%s missing=%d", key, missing)
			delete(d.recv, key)
		}
	}
}

// transmit turns one work descriptor into packets and sends them.
func (d *Device) transmit(desc descriptor.WorkDesc) error {
	to := d.agent.resolve(desc.Common.DqpIP)
	proto := Packet{
		Pmtu:  desc.Common.Pmtu,
		Dqpn:  desc.Common.Dqpn,
		Psn:   desc.Common.Psn,
		Msn:   desc.Common.Msn,
		RAddr: desc.Common.RAddr,
		RKey:  desc.Common.RKey,
	}
	switch desc.Opcode {
	case descriptor.WorkOpRead:
		sge := desc.Sges()[0]
		proto.Opcode = PktReadRequest
		proto.First, proto.Last = true, true
		proto.TotalLen = desc.Common.TotalLen
		proto.Payload = readTarget{Addr: sge.Addr, Key: sge.Key}.marshal()
		logging.Debugf("software.Device send read_request key=%s psn=%d len=%d to=%s",
			desc.Key(), proto.Psn, proto.TotalLen, to)
		return d.agent.send(to, proto)
	case descriptor.WorkOpWrite:
		proto.Opcode = PktWrite
	case descriptor.WorkOpWriteWithImm:
		proto.Opcode = PktWriteWithImm
		proto.Imm = desc.Imm
	case descriptor.WorkOpReadResp:
		proto.Opcode = PktReadResponse
	default:
		return fmt.Errorf("%w: unsupported work opcode %s", device.ErrDevice, desc.Opcode)
	}
	payload, err := d.gather(desc.Sges())
	if err != nil {
		return err
	}
	pkts := Segment(proto, payload, desc.IsFirst, desc.IsLast)
	logging.Debugf("software.Device send opcode=%s key=%s psn=%d packets=%d to=%s",
		proto.Opcode, desc.Key(), proto.Psn, len(pkts), to)
	for _, p := range pkts {
		if err := d.agent.send(to, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) gather(sges []descriptor.Sge) ([]byte, error) {
	var total int
	for _, sge := range sges {
		total += int(sge.Len)
	}
	out := make([]byte, total)
	off := 0
	for _, sge := range sges {
		if err := d.mem.ReadAt(sge.Addr, out[off:off+int(sge.Len)]); err != nil {
			return nil, fmt.Errorf("%w: gather sge addr=0x%x: %w", device.ErrDevice, sge.Addr, err)
		}
		off += int(sge.Len)
	}
	return out, nil
}

// handle applies one incoming packet to local memory, acknowledges or
// rejects it where the protocol requires and reports it to the host.
func (d *Device) handle(p Packet, from netip.AddrPort) {
	switch p.Opcode {
	case PktWrite, PktWriteWithImm:
		d.handleWrite(p, from)
	case PktReadRequest:
		d.handleReadRequest(p, from)
	case PktReadResponse:
		if err := d.mem.WriteAt(p.RAddr, p.Payload); err != nil {
			logging.Warnf("software.Device read_response write key=%s addr=0x%x err=%v", p.Key(), p.RAddr, err)
			return
		}
		d.report(descriptor.HostWorkDesc{
			Kind:       descriptor.HostWriteOrReadResp,
			Dqpn:       p.Dqpn,
			Msn:        p.Msn,
			Psn:        p.Psn,
			IsReadResp: true,
			Pos:        p.Pos(),
			Addr:       p.RAddr,
			Len:        uint32(len(p.Payload)),
			Key:        p.RKey,
		})
	case PktAck:
		d.report(descriptor.HostWorkDesc{Kind: descriptor.HostAck, Dqpn: p.Dqpn, Msn: p.Msn, Psn: p.Psn})
	case PktNak:
		d.report(descriptor.HostWorkDesc{
			Kind:         descriptor.HostNak,
			Dqpn:         p.Dqpn,
			Msn:          p.Msn,
			Psn:          p.Psn,
			Code:         p.Imm,
			LostPsnStart: p.Psn,
			LostPsnEnd:   p.Psn,
		})
	}
}

func (d *Device) handleWrite(p Packet, from netip.AddrPort) {
	if _, ok := d.qp(p.Dqpn); !ok {
		d.nak(p, from, NakInvalidQp)
		return
	}
	// A resent packet rewrites the same bytes.
	if err := d.mem.WriteAt(p.RAddr, p.Payload); err != nil {
		logging.Warnf("software.Device write key=%s addr=0x%x err=%v", p.Key(), p.RAddr, err)
		d.nak(p, from, NakRemoteAccess)
		return
	}
	report := descriptor.HostWorkDesc{
		Kind: descriptor.HostWriteOrReadResp,
		Dqpn: p.Dqpn,
		Msn:  p.Msn,
		Psn:  p.Psn,
		Pos:  p.Pos(),
		Addr: p.RAddr,
		Len:  uint32(len(p.Payload)),
		Key:  p.RKey,
	}
	if p.Opcode == PktWriteWithImm {
		report.Kind = descriptor.HostWriteWithImm
		report.Imm = p.Imm
	}
	d.report(report)
	// Acknowledge only once every packet of the message landed; a gap is
	// left for the requester's retry to fill.
	if pkts, done := d.track(p); done {
		d.reply(from, Packet{Opcode: PktAck, First: true, Last: true, Dqpn: p.Dqpn, Psn: pkts.Last(), Msn: p.Msn})
	}
}

// handleReadRequest reports the request to the host, which answers it with
// a ReadResp work descriptor.
func (d *Device) handleReadRequest(p Packet, from netip.AddrPort) {
	if _, ok := d.qp(p.Dqpn); !ok {
		d.nak(p, from, NakInvalidQp)
		return
	}
	target, err := parseReadTarget(p.Payload)
	if err != nil {
		logging.Warnf("software.Device read_request key=%s err=%v", p.Key(), err)
		d.nak(p, from, NakInvalidPacket)
		return
	}
	d.report(descriptor.HostWorkDesc{
		Kind:  descriptor.HostReadRequest,
		Dqpn:  p.Dqpn,
		Msn:   p.Msn,
		Psn:   p.Psn,
		Pos:   descriptor.PosOnly,
		Addr:  p.RAddr,
		Len:   p.TotalLen,
		Key:   p.RKey,
		RAddr: target.Addr,
		RKey:  target.Key,
	})
}

func (d *Device) nak(p Packet, to netip.AddrPort, code uint32) {
	logging.Warnf("software.Device nak key=%s psn=%d code=%d", p.Key(), p.Psn, code)
	d.reply(to, Packet{Opcode: PktNak, First: true, Last: true, Dqpn: p.Dqpn, Psn: p.Psn, Msn: p.Msn, Imm: code})
}

func (d *Device) reply(to netip.AddrPort, p Packet) {
	if err := d.agent.send(to, p); err != nil {
		logging.Warnf("software.Device reply opcode=%s key=%s err=%v", p.Opcode, p.Key(), err)
	}
}

// report queues a work-complete descriptor for the host. The receive loop is
// the only producer.
func (d *Device) report(desc descriptor.HostWorkDesc) {
	if err := d.workQ.Enqueue(&desc); err != nil {
		observability.RecordRingOverflow(device.RingMetaReport.String())
		logging.Warnf("software.Device report dropped kind=%s key=%s err=%v", desc.Kind, desc.OpKey(), err)
	}
}
