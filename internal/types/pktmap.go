package types

// PacketMap records which packets of one message have arrived. The message
// covers count PSNs starting at base, modulo 2^24.
type PacketMap struct {
	base    Psn
	count   uint32
	bits    []uint64
	missing uint32
}

func NewPacketMap(base Psn, count uint32) *PacketMap {
	if count == 0 {
		count = 1
	}
	return &PacketMap{
		base:    NewPsn(uint32(base)),
		count:   count,
		bits:    make([]uint64, (count+63)/64),
		missing: count,
	}
}

func (m *PacketMap) offset(psn Psn) (uint32, bool) {
	off := (uint32(NewPsn(uint32(psn))) + psnMod - uint32(m.base)) % psnMod
	return off, off < m.count
}

// Insert marks psn as received. It reports false for a PSN outside the
// message or one already marked.
func (m *PacketMap) Insert(psn Psn) bool {
	off, ok := m.offset(psn)
	if !ok {
		return false
	}
	word, bit := off/64, uint64(1)<<(off%64)
	if m.bits[word]&bit != 0 {
		return false
	}
	m.bits[word] |= bit
	m.missing--
	return true
}

func (m *PacketMap) Has(psn Psn) bool {
	off, ok := m.offset(psn)
	return ok && m.bits[off/64]&(uint64(1)<<(off%64)) != 0
}

// Base is the PSN of the first packet.
func (m *PacketMap) Base() Psn { return m.base }

// Complete reports whether every PSN of the message arrived.
func (m *PacketMap) Complete() bool { return m.missing == 0 }

func (m *PacketMap) Missing() uint32 { return m.missing }

// Last is the PSN of the final packet.
func (m *PacketMap) Last() Psn { return m.base.WrappingAdd(m.count - 1) }
