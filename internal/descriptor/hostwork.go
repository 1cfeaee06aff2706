package descriptor

import (
	"fmt"

	"github.com/danmuck/openrdma/internal/types"
)

// HostWorkKind tags a work-complete (meta report) descriptor.
type HostWorkKind uint8

const (
	HostWriteOrReadResp HostWorkKind = 1
	HostWriteWithImm    HostWorkKind = 2
	HostReadRequest     HostWorkKind = 3
	HostAck             HostWorkKind = 4
	HostNak             HostWorkKind = 5
)

func (k HostWorkKind) String() string {
	switch k {
	case HostWriteOrReadResp:
		return "write_or_read_resp"
	case HostWriteWithImm:
		return "write_with_imm"
	case HostReadRequest:
		return "read_request"
	case HostAck:
		return "ack"
	case HostNak:
		return "nak"
	default:
		return fmt.Sprintf("host_work_kind(%d)", uint8(k))
	}
}

func (k HostWorkKind) slots() int {
	switch k {
	case HostWriteWithImm, HostReadRequest:
		return 2
	case HostWriteOrReadResp, HostAck, HostNak:
		return 1
	default:
		return 0
	}
}

// PacketPos is the position of a packet inside its message.
type PacketPos uint8

const (
	PosFirst  PacketPos = 0
	PosMiddle PacketPos = 1
	PosLast   PacketPos = 2
	PosOnly   PacketPos = 3
)

// IsLast reports whether the packet ends its message.
func (p PacketPos) IsLast() bool {
	return p == PosLast || p == PosOnly
}

// HostWorkDesc is a work-complete report from the device. Which fields are
// meaningful depends on Kind:
//
//	WriteOrReadResp: Addr/Len/Key of the landed payload, IsReadResp, Pos
//	WriteWithImm:    as above plus Imm
//	ReadRequest:     Addr/Len/Key local target, RAddr/RKey remote source
//	Ack:             Psn acknowledged, Code
//	Nak:             Code, LostPsnStart..LostPsnEnd
type HostWorkDesc struct {
	Kind       HostWorkKind
	Status     uint8
	Dqpn       types.Qpn
	Msn        types.Msn
	Psn        types.Psn
	IsReadResp bool
	Pos        PacketPos

	Addr uint64
	Len  uint32
	Key  types.Key
	Imm  uint32

	RAddr uint64
	RKey  types.Key

	Code         uint32
	LostPsnStart types.Psn
	LostPsnEnd   types.Psn
}

func (d HostWorkDesc) OpKey() types.OpKey {
	return types.OpKey{Qpn: d.Dqpn, Msn: d.Msn}
}

func (d HostWorkDesc) SlotCount() int {
	return d.Kind.slots()
}

// EncodeHostWork writes d into SlotCount() slots. Device backends use it.
func EncodeHostWork(d HostWorkDesc, slots [][]byte) error {
	n := d.Kind.slots()
	if n == 0 {
		return fmt.Errorf("%w: unknown host work kind %d", ErrInvalidBuild, d.Kind)
	}
	if len(slots) < n {
		return fmt.Errorf("%w: need %d slots, got %d", ErrShortSlot, n, len(slots))
	}
	for i := 0; i < n; i++ {
		if err := checkSlot(slots[i]); err != nil {
			return err
		}
		clear(slots[i][:SlotSize])
	}
	s0 := slots[0]
	s0[0] = byte(d.Kind)
	s0[1] = d.Status
	s0[2] = byte(n)
	if d.IsReadResp {
		s0[3] = 1
	}
	s0[4] = byte(d.Pos)
	putUint24(s0[5:8], uint32(d.Psn))
	putUint24(s0[8:11], uint32(d.Dqpn))
	le.PutUint16(s0[12:14], uint16(d.Msn))

	switch d.Kind {
	case HostAck:
		le.PutUint32(s0[16:20], d.Code)
	case HostNak:
		le.PutUint32(s0[16:20], d.Code)
		putUint24(s0[20:23], uint32(d.LostPsnStart))
		putUint24(s0[24:27], uint32(d.LostPsnEnd))
	default:
		le.PutUint64(s0[16:24], d.Addr)
		le.PutUint32(s0[24:28], d.Len)
		le.PutUint32(s0[28:32], uint32(d.Key))
	}

	switch d.Kind {
	case HostWriteWithImm:
		le.PutUint32(slots[1][0:4], d.Imm)
	case HostReadRequest:
		le.PutUint64(slots[1][0:8], d.RAddr)
		le.PutUint32(slots[1][8:12], uint32(d.RKey))
	}
	return nil
}

func hostWorkSlotsFromHead(s []byte) (int, error) {
	kind := HostWorkKind(s[0])
	n := kind.slots()
	if n == 0 {
		return 0, fmt.Errorf("%w: unknown host work kind %d", ErrDecode, s[0])
	}
	if int(s[2]) != n {
		return 0, fmt.Errorf("%w: %s declares %d slots, want %d", ErrDecode, kind, s[2], n)
	}
	return n, nil
}

func parseHostWork(buf []byte) (HostWorkDesc, error) {
	s0 := buf[0:SlotSize]
	d := HostWorkDesc{
		Kind:       HostWorkKind(s0[0]),
		Status:     s0[1],
		IsReadResp: s0[3] == 1,
		Pos:        PacketPos(s0[4]),
		Psn:        types.Psn(uint24(s0[5:8])),
		Dqpn:       types.Qpn(uint24(s0[8:11])),
		Msn:        types.Msn(le.Uint16(s0[12:14])),
	}
	if d.Pos > PosOnly {
		return HostWorkDesc{}, fmt.Errorf("%w: packet position %d", ErrDecode, d.Pos)
	}
	switch d.Kind {
	case HostAck:
		d.Code = le.Uint32(s0[16:20])
	case HostNak:
		d.Code = le.Uint32(s0[16:20])
		d.LostPsnStart = types.Psn(uint24(s0[20:23]))
		d.LostPsnEnd = types.Psn(uint24(s0[24:27]))
	default:
		d.Addr = le.Uint64(s0[16:24])
		d.Len = le.Uint32(s0[24:28])
		d.Key = types.Key(le.Uint32(s0[28:32]))
	}
	switch d.Kind {
	case HostWriteWithImm:
		d.Imm = le.Uint32(buf[SlotSize : SlotSize+4])
	case HostReadRequest:
		s1 := buf[SlotSize : 2*SlotSize]
		d.RAddr = le.Uint64(s1[0:8])
		d.RKey = types.Key(le.Uint32(s1[8:12]))
	}
	return d, nil
}

// NewHostWorkDecoder returns a decoder for work-complete descriptors.
func NewHostWorkDecoder() *Decoder[HostWorkDesc] {
	return newDecoder(hostWorkSlotsFromHead, parseHostWork)
}
