package descriptor

import (
	"fmt"
	"net/netip"

	"github.com/danmuck/openrdma/internal/types"
)

type CtrlOpcode uint8

const (
	CtrlOpQpManagement    CtrlOpcode = 1
	CtrlOpSetNetworkParam CtrlOpcode = 2
)

func (o CtrlOpcode) String() string {
	switch o {
	case CtrlOpQpManagement:
		return "qp_management"
	case CtrlOpSetNetworkParam:
		return "set_network_param"
	default:
		return fmt.Sprintf("ctrl_opcode(%d)", uint8(o))
	}
}

// CtrlDesc is a single-slot control-submit descriptor.
type CtrlDesc interface {
	Opcode() CtrlOpcode
	OpID() uint32
	encode(slot []byte)
}

// QpManagement creates (IsValid) or destroys a queue pair on the device.
type QpManagement struct {
	ID            uint32
	IsValid       bool
	Qpn           types.Qpn
	PdHandler     uint32
	QpType        types.QpType
	RqAccessFlags types.MemAccessFlag
	Pmtu          types.Pmtu
}

func (QpManagement) Opcode() CtrlOpcode { return CtrlOpQpManagement }
func (d QpManagement) OpID() uint32     { return d.ID }

func (d QpManagement) encode(slot []byte) {
	if d.IsValid {
		slot[8] = 1
	}
	slot[9] = byte(d.QpType)
	slot[10] = byte(d.RqAccessFlags)
	slot[11] = byte(d.Pmtu)
	le.PutUint32(slot[12:16], uint32(d.Qpn))
	le.PutUint32(slot[16:20], d.PdHandler)
}

// SetNetworkParam programs the local port addressing.
type SetNetworkParam struct {
	ID      uint32
	IPAddr  netip.Addr
	Gateway netip.Addr
	Netmask netip.Addr
	MacAddr types.MAC
}

func (SetNetworkParam) Opcode() CtrlOpcode { return CtrlOpSetNetworkParam }
func (d SetNetworkParam) OpID() uint32     { return d.ID }

func (d SetNetworkParam) encode(slot []byte) {
	putAddr4(slot[8:12], d.IPAddr)
	putAddr4(slot[12:16], d.Gateway)
	putAddr4(slot[16:20], d.Netmask)
	copy(slot[20:26], d.MacAddr[:])
}

// EncodeCtrl writes d into one slot.
func EncodeCtrl(d CtrlDesc, slot []byte) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	clear(slot[:SlotSize])
	slot[0] = byte(d.Opcode())
	le.PutUint32(slot[4:8], d.OpID())
	d.encode(slot)
	return nil
}

// DecodeCtrl parses a control-submit slot. The device side and tests use it.
func DecodeCtrl(slot []byte) (CtrlDesc, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	id := le.Uint32(slot[4:8])
	switch CtrlOpcode(slot[0]) {
	case CtrlOpQpManagement:
		return QpManagement{
			ID:            id,
			IsValid:       slot[8] == 1,
			QpType:        types.QpType(slot[9]),
			RqAccessFlags: types.MemAccessFlag(slot[10]),
			Pmtu:          types.Pmtu(slot[11]),
			Qpn:           types.NewQpn(le.Uint32(slot[12:16])),
			PdHandler:     le.Uint32(slot[16:20]),
		}, nil
	case CtrlOpSetNetworkParam:
		var mac types.MAC
		copy(mac[:], slot[20:26])
		return SetNetworkParam{
			ID:      id,
			IPAddr:  addr4(slot[8:12]),
			Gateway: addr4(slot[12:16]),
			Netmask: addr4(slot[16:20]),
			MacAddr: mac,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown ctrl opcode %d", ErrDecode, slot[0])
	}
}

// CtrlResp is the single-slot control-complete report.
type CtrlResp struct {
	Opcode    CtrlOpcode
	OpID      uint32
	IsSuccess bool
}

func EncodeCtrlResp(r CtrlResp, slot []byte) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	clear(slot[:SlotSize])
	slot[0] = byte(r.Opcode)
	if r.IsSuccess {
		slot[1] = 1
	}
	le.PutUint32(slot[4:8], r.OpID)
	return nil
}

func DecodeCtrlResp(slot []byte) (CtrlResp, error) {
	if err := checkSlot(slot); err != nil {
		return CtrlResp{}, err
	}
	return CtrlResp{
		Opcode:    CtrlOpcode(slot[0]),
		IsSuccess: slot[1] == 1,
		OpID:      le.Uint32(slot[4:8]),
	}, nil
}
