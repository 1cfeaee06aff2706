// Package descriptor implements the fixed-size slot layouts exchanged with the
// device over the four rings. All multi-byte fields are little-endian; the
// layout must stay byte-identical with the device.
package descriptor

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// SlotSize is the size of one ring slot in bytes.
const SlotSize = 32

var (
	ErrShortSlot    = errors.New("descriptor: short slot")
	ErrDecode       = errors.New("descriptor: decode failed")
	ErrInvalidBuild = errors.New("descriptor: invalid descriptor")
)

var le = binary.LittleEndian

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putAddr4(b []byte, a netip.Addr) {
	if !a.Is4() {
		clear(b[:4])
		return
	}
	v := a.As4()
	copy(b[:4], v[:])
}

func addr4(b []byte) netip.Addr {
	var v [4]byte
	copy(v[:], b[:4])
	return netip.AddrFrom4(v)
}

func checkSlot(slot []byte) error {
	if len(slot) < SlotSize {
		return ErrShortSlot
	}
	return nil
}
