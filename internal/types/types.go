// Package types holds the identifiers and parameters shared by the driver,
// the descriptor codecs and the device backends.
package types

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	ErrInvalidPmtu = errors.New("types: invalid pmtu")
	ErrInvalidMAC  = errors.New("types: invalid mac address")
)

const (
	qpnMask = 0x00FF_FFFF
	psnMask = 0x00FF_FFFF
	psnMod  = psnMask + 1
)

// Qpn is a 24-bit queue pair number.
type Qpn uint32

func NewQpn(v uint32) Qpn {
	return Qpn(v & qpnMask)
}

func (q Qpn) String() string {
	return fmt.Sprintf("0x%06x", uint32(q))
}

// Msn is the message sequence number identifying one logical operation.
type Msn uint16

// Psn is a 24-bit packet sequence number.
type Psn uint32

func NewPsn(v uint32) Psn {
	return Psn(v & psnMask)
}

// WrappingAdd advances p by n packets modulo 2^24.
func (p Psn) WrappingAdd(n uint32) Psn {
	return Psn((uint32(p) + n) % psnMod)
}

// Key is a memory region local or remote key.
type Key uint32

// OpKey identifies one outstanding work operation.
type OpKey struct {
	Qpn Qpn
	Msn Msn
}

func (k OpKey) String() string {
	return fmt.Sprintf("(%s,%d)", k.Qpn, k.Msn)
}

// Pmtu is the path MTU encoding used on the wire (IB MTU enum values).
type Pmtu uint8

const (
	Pmtu256  Pmtu = 1
	Pmtu512  Pmtu = 2
	Pmtu1024 Pmtu = 3
	Pmtu2048 Pmtu = 4
	Pmtu4096 Pmtu = 5
)

// Bytes returns the payload size in bytes, or 0 for an unknown encoding.
func (p Pmtu) Bytes() uint32 {
	switch p {
	case Pmtu256:
		return 256
	case Pmtu512:
		return 512
	case Pmtu1024:
		return 1024
	case Pmtu2048:
		return 2048
	case Pmtu4096:
		return 4096
	default:
		return 0
	}
}

// PmtuFromBytes maps a byte size onto its encoding.
func PmtuFromBytes(n uint32) (Pmtu, error) {
	switch n {
	case 256:
		return Pmtu256, nil
	case 512:
		return Pmtu512, nil
	case 1024:
		return Pmtu1024, nil
	case 2048:
		return Pmtu2048, nil
	case 4096:
		return Pmtu4096, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidPmtu, n)
	}
}

type QpType uint8

const (
	QpTypeRC        QpType = 2
	QpTypeUC        QpType = 3
	QpTypeUD        QpType = 4
	QpTypeRawPacket QpType = 8
)

func (t QpType) String() string {
	switch t {
	case QpTypeRC:
		return "rc"
	case QpTypeUC:
		return "uc"
	case QpTypeUD:
		return "ud"
	case QpTypeRawPacket:
		return "raw_packet"
	default:
		return fmt.Sprintf("qp_type(%d)", uint8(t))
	}
}

// MemAccessFlag is the ibverbs-style access bitset.
type MemAccessFlag uint8

const (
	AccessLocalWrite   MemAccessFlag = 1 << 0
	AccessRemoteWrite  MemAccessFlag = 1 << 1
	AccessRemoteRead   MemAccessFlag = 1 << 2
	AccessRemoteAtomic MemAccessFlag = 1 << 3
)

func (f MemAccessFlag) Has(other MemAccessFlag) bool {
	return f&other == other
}

// MAC is a 48-bit hardware address.
type MAC [6]byte

func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return MAC{}, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Network is the local port configuration programmed into the device.
type Network struct {
	IP      netip.Addr
	Gateway netip.Addr
	Netmask netip.Addr
	MAC     MAC
}

// PacketCount returns how many packets a transfer of totalLen bytes starting
// at raddr splits into. The first packet only fills up to the next PMTU
// boundary of raddr.
func PacketCount(pmtu Pmtu, raddr uint64, totalLen uint32) uint32 {
	mtu := uint64(pmtu.Bytes())
	if mtu == 0 || totalLen == 0 {
		return 1
	}
	firstMax := mtu - raddr%mtu
	first := uint64(totalLen)
	if first > firstMax {
		first = firstMax
	}
	rest := uint64(totalLen) - first
	return uint32(1 + (rest+mtu-1)/mtu)
}

// FirstPacketLen returns the payload length of the first packet of a
// transfer, matching the split PacketCount assumes.
func FirstPacketLen(pmtu Pmtu, raddr uint64, totalLen uint32) uint32 {
	mtu := uint64(pmtu.Bytes())
	if mtu == 0 {
		return totalLen
	}
	firstMax := mtu - raddr%mtu
	if uint64(totalLen) < firstMax {
		return totalLen
	}
	return uint32(firstMax)
}
