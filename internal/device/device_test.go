package device_test

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"

	"code.hybscloud.com/iox"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/ringbuf"
	"github.com/danmuck/openrdma/internal/testutil/devicesim"
	"github.com/danmuck/openrdma/internal/testutil/testlog"
	"github.com/danmuck/openrdma/internal/types"
)

func newSim(t *testing.T, depth uint32) (*devicesim.Adaptor, *devicesim.Peer) {
	t.Helper()
	a, peer, err := devicesim.NewAdaptor(depth)
	if err != nil {
		t.Fatalf("new sim adaptor: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, peer
}

func writeDesc(t *testing.T, msn types.Msn, sges int) descriptor.WorkDesc {
	t.Helper()
	b := descriptor.NewWrite().WithCommon(descriptor.WorkCommon{
		TotalLen: 64,
		DqpIP:    netip.MustParseAddr("10.0.0.9"),
		Dqpn:     5,
		Pmtu:     types.Pmtu1024,
		QpType:   types.QpTypeRC,
		Msn:      msn,
	})
	for i := 0; i < sges; i++ {
		b.WithSge(descriptor.Sge{Addr: uint64(i) * 64, Len: 64, Key: 1})
	}
	d, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return d
}

func TestRingBasesProgrammedOnce(t *testing.T) {
	testlog.Start(t)

	a, _ := newSim(t, 8)
	seen := map[uint64]bool{}
	for _, id := range device.Rings {
		phys, err := device.ReadRingBase(a, id)
		if err != nil {
			t.Fatalf("read base %s: %v", id, err)
		}
		if seen[phys] {
			t.Fatalf("ring %s shares base 0x%x", id, phys)
		}
		seen[phys] = true
		if phys%uint64(device.RingBytes(8)) != 0 {
			t.Fatalf("ring %s base not slot aligned: 0x%x", id, phys)
		}
	}
	if device.RingCSR(device.RingSend, device.RegTail) == device.RingCSR(device.RingMetaReport, device.RegTail) {
		t.Fatalf("csr blocks overlap")
	}
}

func TestCtrlRoundTripThroughRings(t *testing.T) {
	testlog.Start(t)

	a, peer := newSim(t, 8)
	want := descriptor.QpManagement{ID: 3, IsValid: true, Qpn: 9, QpType: types.QpTypeRC, Pmtu: types.Pmtu2048}
	if err := a.ToCardCtrlRb().Push(want); err != nil {
		t.Fatalf("push ctrl: %v", err)
	}
	got, err := peer.PopCtrl()
	if err != nil {
		t.Fatalf("peer pop ctrl: %v", err)
	}
	if got != want {
		t.Fatalf("ctrl mismatch: got=%+v want=%+v", got, want)
	}

	if _, err := a.ToHostCtrlRb().Pop(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would block on empty cmd-resp, got %v", err)
	}
	resp := descriptor.CtrlResp{Opcode: want.Opcode(), OpID: want.ID, IsSuccess: true}
	if err := peer.PushCtrlResp(resp); err != nil {
		t.Fatalf("peer push resp: %v", err)
	}
	gotResp, err := a.ToHostCtrlRb().Pop()
	if err != nil {
		t.Fatalf("pop resp: %v", err)
	}
	if gotResp != resp {
		t.Fatalf("resp mismatch: got=%+v want=%+v", gotResp, resp)
	}
}

func TestWorkPushIsAllOrNothing(t *testing.T) {
	testlog.Start(t)

	a, peer := newSim(t, 4)
	first := writeDesc(t, 1, 2)
	if err := a.ToCardWorkRb().Push(first); err != nil {
		t.Fatalf("push first: %v", err)
	}
	head, _ := a.ReadCSR(device.RingCSR(device.RingSend, device.RegHead))
	if head != 3 {
		t.Fatalf("unexpected head after 3-slot push: %d", head)
	}

	err := a.ToCardWorkRb().Push(writeDesc(t, 2, 1))
	if !errors.Is(err, device.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	head, _ = a.ReadCSR(device.RingCSR(device.RingSend, device.RegHead))
	if head != 3 {
		t.Fatalf("overflowing push moved head: %d", head)
	}

	got, err := peer.PopWork()
	if err != nil {
		t.Fatalf("peer pop work: %v", err)
	}
	if got != first {
		t.Fatalf("work mismatch: got=%+v want=%+v", got, first)
	}

	four := writeDesc(t, 3, 4)
	if err := a.ToCardWorkRb().Push(four); err != nil {
		t.Fatalf("push four-slot after drain: %v", err)
	}
	if got, err = peer.PopWork(); err != nil || got != four {
		t.Fatalf("four-slot pop mismatch err=%v got=%+v", err, got)
	}
}

func TestWorkCompleterWaitsForTrailingSlot(t *testing.T) {
	testlog.Start(t)

	a, peer := newSim(t, 8)
	want := descriptor.HostWorkDesc{
		Kind: descriptor.HostWriteWithImm,
		Dqpn: 4,
		Msn:  8,
		Pos:  descriptor.PosOnly,
		Addr: 0x100,
		Len:  32,
		Imm:  0x55,
	}
	encoded := [][]byte{make([]byte, descriptor.SlotSize), make([]byte, descriptor.SlotSize)}
	if err := descriptor.EncodeHostWork(want, encoded); err != nil {
		t.Fatalf("encode: %v", err)
	}
	push := func(src []byte) {
		err := peer.PushRaw(device.RingMetaReport, func(slots [][]byte) error {
			copy(slots[0], src)
			return nil
		}, 1)
		if err != nil {
			t.Fatalf("push raw: %v", err)
		}
	}

	push(encoded[0])
	if _, err := a.ToHostWorkRb().Pop(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would block on partial descriptor, got %v", err)
	}
	tail, _ := a.ReadCSR(device.RingCSR(device.RingMetaReport, device.RegTail))
	if tail != 0 {
		t.Fatalf("partial read advanced tail: %d", tail)
	}

	push(encoded[1])
	got, err := a.ToHostWorkRb().Pop()
	if err != nil {
		t.Fatalf("pop complete: %v", err)
	}
	if got != want {
		t.Fatalf("host work mismatch: got=%+v want=%+v", got, want)
	}
}

func TestWorkCompleterResynchronizesAfterDecodeError(t *testing.T) {
	testlog.Start(t)

	a, peer := newSim(t, 8)
	err := peer.PushRaw(device.RingMetaReport, func(slots [][]byte) error {
		slots[0][0] = 0xEE
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("push garbage: %v", err)
	}
	ack := descriptor.HostWorkDesc{Kind: descriptor.HostAck, Dqpn: 2, Msn: 7, Psn: 40}
	if err := peer.PushHostWork(ack); err != nil {
		t.Fatalf("push ack: %v", err)
	}

	if _, err := a.ToHostWorkRb().Pop(); !errors.Is(err, device.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	got, err := a.ToHostWorkRb().Pop()
	if err != nil {
		t.Fatalf("pop after resync: %v", err)
	}
	if got != ack {
		t.Fatalf("unexpected desc after resync: %+v", got)
	}
}

type panickyCSR struct {
	*devicesim.Registers
	panicNow atomic.Bool
}

func (p *panickyCSR) ReadCSR(addr uint64) (uint32, error) {
	if p.panicNow.Load() {
		panic("csr bus fault")
	}
	return p.Registers.ReadCSR(addr)
}

func TestPanicPoisonsRingEndpoint(t *testing.T) {
	testlog.Start(t)

	const depth = 4
	mem, err := ringbuf.AllocAnonymous(device.RingBytes(depth) * len(device.Rings))
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer mem.Close()
	csr := &panickyCSR{Registers: devicesim.NewRegisters()}
	cfg := device.RingSetConfig{
		Depth: depth,
		CSR:   csr,
		PhysAddr: func(virt uintptr) (uint64, error) {
			return uint64(virt - mem.Base()), nil
		},
	}
	for i := range device.Rings {
		if cfg.Regions[i], err = mem.Sub(i*device.RingBytes(depth), device.RingBytes(depth)); err != nil {
			t.Fatalf("sub: %v", err)
		}
	}
	rs, err := device.NewRingSet(cfg)
	if err != nil {
		t.Fatalf("ring set: %v", err)
	}

	csr.panicNow.Store(true)
	desc := descriptor.SetNetworkParam{ID: 1}
	if err := rs.CtrlSubmit.Push(desc); !errors.Is(err, device.ErrLockPoisoned) {
		t.Fatalf("expected ErrLockPoisoned from panic, got %v", err)
	}
	csr.panicNow.Store(false)
	if err := rs.CtrlSubmit.Push(desc); !errors.Is(err, device.ErrLockPoisoned) {
		t.Fatalf("expected poisoned endpoint to stay poisoned, got %v", err)
	}
	if _, err := rs.CtrlComplete.Pop(); !iox.IsWouldBlock(err) {
		t.Fatalf("poison leaked to another ring: %v", err)
	}
}
