package descriptor

import (
	"fmt"
	"net/netip"

	"github.com/danmuck/openrdma/internal/types"
)

type WorkOpcode uint8

const (
	WorkOpWrite        WorkOpcode = 0
	WorkOpWriteWithImm WorkOpcode = 1
	WorkOpRead         WorkOpcode = 4
	WorkOpReadResp     WorkOpcode = 5
)

func (o WorkOpcode) String() string {
	switch o {
	case WorkOpWrite:
		return "write"
	case WorkOpWriteWithImm:
		return "write_with_imm"
	case WorkOpRead:
		return "read"
	case WorkOpReadResp:
		return "read_resp"
	default:
		return fmt.Sprintf("work_opcode(%d)", uint8(o))
	}
}

func (o WorkOpcode) valid() bool {
	switch o {
	case WorkOpWrite, WorkOpWriteWithImm, WorkOpRead, WorkOpReadResp:
		return true
	default:
		return false
	}
}

const MaxSges = 4

// Sge is one scatter/gather element of local memory.
type Sge struct {
	Addr uint64
	Len  uint32
	Key  types.Key
}

// WorkCommon carries the routing and sequencing fields shared by every work
// descriptor.
type WorkCommon struct {
	TotalLen uint32
	RAddr    uint64
	RKey     types.Key
	DqpIP    netip.Addr
	Dqpn     types.Qpn
	MacAddr  types.MAC
	Pmtu     types.Pmtu
	Flags    types.MemAccessFlag
	QpType   types.QpType
	Psn      types.Psn
	Msn      types.Msn
}

// WorkDesc is a work-submit descriptor. It is a value type: copies are
// independent and nothing mutates it after Build.
type WorkDesc struct {
	Opcode  WorkOpcode
	Common  WorkCommon
	IsFirst bool
	IsLast  bool
	Imm     uint32

	sges     [MaxSges]Sge
	sgeCount uint8
}

// Sges returns a copy of the descriptor's scatter/gather list.
func (d WorkDesc) Sges() []Sge {
	out := make([]Sge, d.sgeCount)
	copy(out, d.sges[:d.sgeCount])
	return out
}

// SlotCount is 3 for up to two SGEs, otherwise 4.
func (d WorkDesc) SlotCount() int {
	return workSlotCount(int(d.sgeCount))
}

func (d WorkDesc) Key() types.OpKey {
	return types.OpKey{Qpn: d.Common.Dqpn, Msn: d.Common.Msn}
}

func workSlotCount(sges int) int {
	if sges <= 2 {
		return 3
	}
	return 4
}

// WorkDescBuilder assembles a WorkDesc and validates it on Build.
type WorkDescBuilder struct {
	desc      WorkDesc
	hasCommon bool
	err       error
}

func NewWrite() *WorkDescBuilder {
	return &WorkDescBuilder{desc: WorkDesc{Opcode: WorkOpWrite, IsFirst: true, IsLast: true}}
}

func NewWriteWithImm(imm uint32) *WorkDescBuilder {
	return &WorkDescBuilder{desc: WorkDesc{Opcode: WorkOpWriteWithImm, IsFirst: true, IsLast: true, Imm: imm}}
}

func NewRead() *WorkDescBuilder {
	return &WorkDescBuilder{desc: WorkDesc{Opcode: WorkOpRead, IsFirst: true, IsLast: true}}
}

func NewReadResp() *WorkDescBuilder {
	return &WorkDescBuilder{desc: WorkDesc{Opcode: WorkOpReadResp, IsFirst: true, IsLast: true}}
}

func (b *WorkDescBuilder) WithCommon(c WorkCommon) *WorkDescBuilder {
	b.desc.Common = c
	b.hasCommon = true
	return b
}

func (b *WorkDescBuilder) WithPosition(first, last bool) *WorkDescBuilder {
	b.desc.IsFirst = first
	b.desc.IsLast = last
	return b
}

func (b *WorkDescBuilder) WithSge(sge Sge) *WorkDescBuilder {
	if int(b.desc.sgeCount) >= MaxSges {
		b.err = fmt.Errorf("%w: more than %d sges", ErrInvalidBuild, MaxSges)
		return b
	}
	b.desc.sges[b.desc.sgeCount] = sge
	b.desc.sgeCount++
	return b
}

func (b *WorkDescBuilder) WithOptionalSge(sge *Sge) *WorkDescBuilder {
	if sge == nil {
		return b
	}
	return b.WithSge(*sge)
}

func (b *WorkDescBuilder) Build() (WorkDesc, error) {
	if b.err != nil {
		return WorkDesc{}, b.err
	}
	if !b.hasCommon {
		return WorkDesc{}, fmt.Errorf("%w: missing common fields", ErrInvalidBuild)
	}
	if b.desc.sgeCount == 0 {
		return WorkDesc{}, fmt.Errorf("%w: missing sge", ErrInvalidBuild)
	}
	if b.desc.Opcode == WorkOpRead && b.desc.sgeCount != 1 {
		return WorkDesc{}, fmt.Errorf("%w: read takes exactly one sge", ErrInvalidBuild)
	}
	return b.desc, nil
}

const (
	workFlagFirst  = 1 << 0
	workFlagLast   = 1 << 1
	workFlagHasImm = 1 << 2
)

// EncodeWork writes d into SlotCount() consecutive slots. slots must hold at
// least that many entries of SlotSize bytes.
func EncodeWork(d WorkDesc, slots [][]byte) error {
	n := d.SlotCount()
	if len(slots) < n {
		return fmt.Errorf("%w: need %d slots, got %d", ErrShortSlot, n, len(slots))
	}
	for i := 0; i < n; i++ {
		if err := checkSlot(slots[i]); err != nil {
			return err
		}
		clear(slots[i][:SlotSize])
	}
	encodeWorkHead(d, slots[0])
	encodeWorkRoute(d, slots[1])
	encodeSgePair(slots[2], d.sges[0], d.sges[1])
	if n == 4 {
		encodeSgePair(slots[3], d.sges[2], d.sges[3])
	}
	return nil
}

func encodeWorkHead(d WorkDesc, s []byte) {
	s[0] = byte(d.Opcode)
	var flags byte
	if d.IsFirst {
		flags |= workFlagFirst
	}
	if d.IsLast {
		flags |= workFlagLast
	}
	if d.Opcode == WorkOpWriteWithImm {
		flags |= workFlagHasImm
	}
	s[1] = flags
	s[2] = byte(d.SlotCount())
	s[3] = d.sgeCount
	le.PutUint32(s[4:8], d.Common.TotalLen)
	le.PutUint64(s[8:16], d.Common.RAddr)
	le.PutUint32(s[16:20], uint32(d.Common.RKey))
	s[20] = byte(d.Common.QpType)
	s[21] = byte(d.Common.Flags)
	s[22] = byte(d.Common.Pmtu)
	le.PutUint32(s[24:28], d.Imm)
}

func encodeWorkRoute(d WorkDesc, s []byte) {
	putAddr4(s[0:4], d.Common.DqpIP)
	copy(s[4:10], d.Common.MacAddr[:])
	le.PutUint16(s[10:12], uint16(d.Common.Msn))
	putUint24(s[12:15], uint32(d.Common.Dqpn))
	putUint24(s[16:19], uint32(d.Common.Psn))
}

func encodeSgePair(s []byte, a, b Sge) {
	encodeSge(s[0:16], a)
	encodeSge(s[16:32], b)
}

func encodeSge(s []byte, sge Sge) {
	le.PutUint64(s[0:8], sge.Addr)
	le.PutUint32(s[8:12], sge.Len)
	le.PutUint32(s[12:16], uint32(sge.Key))
}

func decodeSge(s []byte) Sge {
	return Sge{
		Addr: le.Uint64(s[0:8]),
		Len:  le.Uint32(s[8:12]),
		Key:  types.Key(le.Uint32(s[12:16])),
	}
}

// workSlotsFromHead validates slot 0 and reports the total slot count.
func workSlotsFromHead(s []byte) (int, error) {
	op := WorkOpcode(s[0])
	if !op.valid() {
		return 0, fmt.Errorf("%w: unknown work opcode %d", ErrDecode, s[0])
	}
	n := int(s[2])
	sges := int(s[3])
	if sges < 1 || sges > MaxSges {
		return 0, fmt.Errorf("%w: sge count %d", ErrDecode, sges)
	}
	if n != workSlotCount(sges) {
		return 0, fmt.Errorf("%w: slot count %d does not match %d sges", ErrDecode, n, sges)
	}
	return n, nil
}

func parseWork(buf []byte) (WorkDesc, error) {
	s0 := buf[0:SlotSize]
	s1 := buf[SlotSize : 2*SlotSize]
	var d WorkDesc
	d.Opcode = WorkOpcode(s0[0])
	d.IsFirst = s0[1]&workFlagFirst != 0
	d.IsLast = s0[1]&workFlagLast != 0
	d.sgeCount = s0[3]
	d.Common.TotalLen = le.Uint32(s0[4:8])
	d.Common.RAddr = le.Uint64(s0[8:16])
	d.Common.RKey = types.Key(le.Uint32(s0[16:20]))
	d.Common.QpType = types.QpType(s0[20])
	d.Common.Flags = types.MemAccessFlag(s0[21])
	d.Common.Pmtu = types.Pmtu(s0[22])
	d.Imm = le.Uint32(s0[24:28])

	d.Common.DqpIP = addr4(s1[0:4])
	copy(d.Common.MacAddr[:], s1[4:10])
	d.Common.Msn = types.Msn(le.Uint16(s1[10:12]))
	d.Common.Dqpn = types.Qpn(uint24(s1[12:15]))
	d.Common.Psn = types.Psn(uint24(s1[16:19]))

	for i := 0; i < int(d.sgeCount); i++ {
		slot := buf[(2+i/2)*SlotSize:]
		d.sges[i] = decodeSge(slot[(i%2)*16 : (i%2)*16+16])
	}
	return d, nil
}

// NewWorkDecoder returns a decoder for work-submit descriptors.
func NewWorkDecoder() *Decoder[WorkDesc] {
	return newDecoder(workSlotsFromHead, parseWork)
}
