package device

import (
	"fmt"

	"github.com/danmuck/openrdma/internal/ringbuf"
)

// RingID names one of the four rings.
type RingID int

const (
	RingCmdReq RingID = iota
	RingCmdResp
	RingSend
	RingMetaReport
)

// Rings lists every ring in CSR block order.
var Rings = [...]RingID{RingCmdReq, RingCmdResp, RingSend, RingMetaReport}

func (r RingID) String() string {
	switch r {
	case RingCmdReq:
		return "cmd_req"
	case RingCmdResp:
		return "cmd_resp"
	case RingSend:
		return "send"
	case RingMetaReport:
		return "meta_report"
	default:
		return fmt.Sprintf("ring(%d)", int(r))
	}
}

// RingReg is a register inside a ring's CSR block.
type RingReg uint64

const (
	RegAddrLow  RingReg = 0x0
	RegAddrHigh RingReg = 0x4
	RegHead     RingReg = 0x8
	RegTail     RingReg = 0xC
)

const (
	csrRingBase   = 0x8000
	csrRingStride = 0x1000
)

// RingCSR returns the CSR address of reg in ring's block.
func RingCSR(ring RingID, reg RingReg) uint64 {
	return csrRingBase + uint64(ring)*csrRingStride + uint64(reg)
}

// CSR is 32-bit register access. Every Adaptor satisfies it.
type CSR interface {
	ReadCSR(addr uint64) (uint32, error)
	WriteCSR(addr uint64, v uint32) error
}

// WriteRingBase programs a ring's physical base address.
func WriteRingBase(csr CSR, ring RingID, phys uint64) error {
	if err := csr.WriteCSR(RingCSR(ring, RegAddrLow), uint32(phys&0xFFFF_FFFF)); err != nil {
		return fmt.Errorf("%w: write %s base low: %w", ErrDevice, ring, err)
	}
	if err := csr.WriteCSR(RingCSR(ring, RegAddrHigh), uint32(phys>>32)); err != nil {
		return fmt.Errorf("%w: write %s base high: %w", ErrDevice, ring, err)
	}
	return nil
}

// ReadRingBase reads back a ring's programmed physical base address.
func ReadRingBase(csr CSR, ring RingID) (uint64, error) {
	lo, err := csr.ReadCSR(RingCSR(ring, RegAddrLow))
	if err != nil {
		return 0, fmt.Errorf("%w: read %s base low: %w", ErrDevice, ring, err)
	}
	hi, err := csr.ReadCSR(RingCSR(ring, RegAddrHigh))
	if err != nil {
		return 0, fmt.Errorf("%w: read %s base high: %w", ErrDevice, ring, err)
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// csrProxy reaches a ring's head and tail registers through CSR access.
type csrProxy struct {
	csr  CSR
	ring RingID
}

// NewCsrProxy returns the index proxy for ring.
func NewCsrProxy(csr CSR, ring RingID) ringbuf.CsrProxy {
	return csrProxy{csr: csr, ring: ring}
}

func (p csrProxy) ReadHead() (uint32, error) {
	return p.csr.ReadCSR(RingCSR(p.ring, RegHead))
}

func (p csrProxy) WriteHead(v uint32) error {
	return p.csr.WriteCSR(RingCSR(p.ring, RegHead), v)
}

func (p csrProxy) ReadTail() (uint32, error) {
	return p.csr.ReadCSR(RingCSR(p.ring, RegTail))
}

func (p csrProxy) WriteTail(v uint32) error {
	return p.csr.WriteCSR(RingCSR(p.ring, RegTail), v)
}
