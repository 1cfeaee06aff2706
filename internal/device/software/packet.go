package software

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/types"
)

// PacketOpcode is the transport opcode of one datagram.
type PacketOpcode uint8

const (
	PktWrite        PacketOpcode = 1
	PktWriteWithImm PacketOpcode = 2
	PktReadRequest  PacketOpcode = 3
	PktReadResponse PacketOpcode = 4
	PktAck          PacketOpcode = 5
	PktNak          PacketOpcode = 6
)

func (o PacketOpcode) String() string {
	switch o {
	case PktWrite:
		return "write"
	case PktWriteWithImm:
		return "write_with_imm"
	case PktReadRequest:
		return "read_request"
	case PktReadResponse:
		return "read_response"
	case PktAck:
		return "ack"
	case PktNak:
		return "nak"
	default:
		return fmt.Sprintf("packet_opcode(%d)", uint8(o))
	}
}

// PacketHeaderLen is the fixed header size; the payload follows.
const PacketHeaderLen = 40

const (
	pktFlagFirst = 1 << 0
	pktFlagLast  = 1 << 1
)

var ErrMalformedPacket = errors.New("software: malformed packet")

// Packet is one datagram. Dqpn names the responder queue pair of the
// operation in both directions, so acks and read responses carry the same
// operation identity as the request.
type Packet struct {
	Opcode   PacketOpcode
	First    bool
	Last     bool
	Pmtu     types.Pmtu
	Dqpn     types.Qpn
	Psn      types.Psn
	Msn      types.Msn
	RAddr    uint64
	RKey     types.Key
	TotalLen uint32
	// Imm carries the immediate for WriteWithImm and the reason code for Nak.
	Imm     uint32
	Payload []byte
}

func (p Packet) Key() types.OpKey {
	return types.OpKey{Qpn: p.Dqpn, Msn: p.Msn}
}

// Pos reports the packet's position inside its message.
func (p Packet) Pos() descriptor.PacketPos {
	switch {
	case p.First && p.Last:
		return descriptor.PosOnly
	case p.First:
		return descriptor.PosFirst
	case p.Last:
		return descriptor.PosLast
	default:
		return descriptor.PosMiddle
	}
}

func (p Packet) Marshal() []byte {
	buf := make([]byte, PacketHeaderLen+len(p.Payload))
	buf[0] = byte(p.Opcode)
	if p.First {
		buf[1] |= pktFlagFirst
	}
	if p.Last {
		buf[1] |= pktFlagLast
	}
	buf[2] = byte(p.Pmtu)
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Dqpn))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Psn))
	binary.BigEndian.PutUint16(buf[12:14], uint16(p.Msn))
	binary.BigEndian.PutUint64(buf[16:24], p.RAddr)
	binary.BigEndian.PutUint32(buf[24:28], uint32(p.RKey))
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[32:36], p.TotalLen)
	binary.BigEndian.PutUint32(buf[36:40], p.Imm)
	copy(buf[PacketHeaderLen:], p.Payload)
	return buf
}

// UnmarshalPacket parses b. The payload aliases b.
func UnmarshalPacket(b []byte) (Packet, error) {
	if len(b) < PacketHeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(b))
	}
	p := Packet{
		Opcode:   PacketOpcode(b[0]),
		First:    b[1]&pktFlagFirst != 0,
		Last:     b[1]&pktFlagLast != 0,
		Pmtu:     types.Pmtu(b[2]),
		Dqpn:     types.NewQpn(binary.BigEndian.Uint32(b[4:8])),
		Psn:      types.NewPsn(binary.BigEndian.Uint32(b[8:12])),
		Msn:      types.Msn(binary.BigEndian.Uint16(b[12:14])),
		RAddr:    binary.BigEndian.Uint64(b[16:24]),
		RKey:     types.Key(binary.BigEndian.Uint32(b[24:28])),
		TotalLen: binary.BigEndian.Uint32(b[32:36]),
		Imm:      binary.BigEndian.Uint32(b[36:40]),
	}
	if p.Opcode < PktWrite || p.Opcode > PktNak {
		return Packet{}, fmt.Errorf("%w: opcode %d", ErrMalformedPacket, b[0])
	}
	n := binary.BigEndian.Uint32(b[28:32])
	if uint64(n) != uint64(len(b)-PacketHeaderLen) {
		return Packet{}, fmt.Errorf("%w: payload length %d, have %d", ErrMalformedPacket, n, len(b)-PacketHeaderLen)
	}
	p.Payload = b[PacketHeaderLen:]
	return p, nil
}

// readTarget is the payload of a read request: where the response lands on
// the requester.
type readTarget struct {
	Addr uint64
	Key  types.Key
}

func (t readTarget) marshal() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], t.Addr)
	binary.BigEndian.PutUint32(b[8:12], uint32(t.Key))
	return b
}

func parseReadTarget(b []byte) (readTarget, error) {
	if len(b) != 12 {
		return readTarget{}, fmt.Errorf("%w: read request payload %d bytes", ErrMalformedPacket, len(b))
	}
	return readTarget{
		Addr: binary.BigEndian.Uint64(b[0:8]),
		Key:  types.Key(binary.BigEndian.Uint32(b[8:12])),
	}, nil
}

// Segment splits a message of payload bytes landing at raddr into packets
// of at most pmtu bytes; the first packet only fills up to the next pmtu
// boundary of raddr. proto carries every header field except the per-packet
// ones. The message is the whole transfer when first and last are both set.
func Segment(proto Packet, payload []byte, first, last bool) []Packet {
	total := uint32(len(payload))
	count := types.PacketCount(proto.Pmtu, proto.RAddr, total)
	pkts := make([]Packet, 0, count)
	off := uint32(0)
	for i := uint32(0); i < count; i++ {
		n := proto.Pmtu.Bytes()
		if i == 0 {
			n = types.FirstPacketLen(proto.Pmtu, proto.RAddr, total)
		}
		if off+n > total {
			n = total - off
		}
		p := proto
		p.First = first && i == 0
		p.Last = last && i == count-1
		p.Psn = proto.Psn.WrappingAdd(i)
		p.RAddr = proto.RAddr + uint64(off)
		p.TotalLen = total
		p.Payload = payload[off : off+n]
		pkts = append(pkts, p)
		off += n
	}
	return pkts
}
