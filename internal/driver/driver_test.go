package driver

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device/software"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/retry"
	"github.com/danmuck/openrdma/internal/testutil/devicesim"
	"github.com/danmuck/openrdma/internal/testutil/testlog"
	"github.com/danmuck/openrdma/internal/types"
)

var (
	ipA = netip.MustParseAddr("10.0.0.1")
	ipB = netip.MustParseAddr("10.0.0.2")
)

const testQpn types.Qpn = 5

func fastRetry(maxRetry uint32) retry.Config {
	return retry.Config{Enabled: true, MaxRetry: maxRetry, RetryTimeout: 100 * time.Millisecond, CheckingInterval: time.Millisecond}
}

func qpParams(dqpIP netip.Addr) QpParams {
	return QpParams{Qpn: testQpn, QpType: types.QpTypeRC, Pmtu: types.Pmtu256, DqpIP: dqpIP, AccessFlags: types.AccessRemoteWrite | types.AccessRemoteRead}
}

type simDevice struct {
	dev  *Device
	peer *devicesim.Peer

	mu   sync.Mutex
	seen []descriptor.WorkDesc
}

func (s *simDevice) record(d descriptor.WorkDesc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, d)
}

func (s *simDevice) seenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// newSimDevice serves the rings until the test ends. work decides the
// reports for each submitted work descriptor.
func newSimDevice(t *testing.T, cfg Config, h devicesim.Handlers) *simDevice {
	t.Helper()
	a, peer, err := devicesim.NewAdaptor(16)
	if err != nil {
		t.Fatalf("new adaptor: %v", err)
	}
	s := &simDevice{peer: peer}
	work := h.Work
	h.Work = func(d descriptor.WorkDesc) []descriptor.HostWorkDesc {
		s.record(d)
		if work == nil {
			return nil
		}
		return work(d)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- peer.Serve(ctx, h) }()

	dev, err := New(a, cfg)
	if err != nil {
		cancel()
		t.Fatalf("new device: %v", err)
	}
	s.dev = dev
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		_ = dev.Close()
	})
	return s
}

func waitOp(t *testing.T, op *opctx.OpCtx[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := op.WaitResultContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("operation did not resolve")
	}
	return err
}

func TestWriteCompletesOnAck(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Network = types.Network{IP: ipA}
	s := newSimDevice(t, cfg, devicesim.Handlers{Work: devicesim.AckAll})

	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	op, err := s.dev.Write(testQpn, 0x2000, 7, types.AccessRemoteWrite,
		descriptor.Sge{Addr: 0x1000, Len: 300, Key: 1},
		descriptor.Sge{Addr: 0x3000, Len: 300, Key: 1},
		descriptor.Sge{Addr: 0x5000, Len: 10, Key: 1})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if s.seenCount() != 1 {
		t.Fatalf("expected one submitted descriptor, got %d", s.seenCount())
	}
	got := s.seen[0]
	if got.SlotCount() != 4 || got.Common.TotalLen != 610 || got.Common.DqpIP != ipB {
		t.Fatalf("unexpected descriptor %+v", got.Common)
	}

	// The next operation starts after the PSNs the first one consumed.
	op, err = s.dev.Write(testQpn, 0x2000, 7, types.AccessRemoteWrite, descriptor.Sge{Addr: 0x1000, Len: 8})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("second write result: %v", err)
	}
	if want := types.PacketCount(types.Pmtu256, 0x2000, 610); uint32(s.seen[1].Common.Psn) != want {
		t.Fatalf("expected second psn %d, got %d", want, s.seen[1].Common.Psn)
	}
	if s.seen[0].Common.Msn == s.seen[1].Common.Msn {
		t.Fatalf("msn reused: %d", s.seen[0].Common.Msn)
	}
	st := s.dev.Status()
	if st.Outstanding != 0 || st.QueuePairs != 1 || st.Backend != "custom" || st.IP != ipA {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWriteFailsAfterRetryBudget(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(2)
	s := newSimDevice(t, cfg, devicesim.Handlers{})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	op, err := s.dev.Write(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 64})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	err = waitOp(t, op)
	if !errors.Is(err, opctx.ErrOperationFailed) || !strings.Contains(err.Error(), retry.ReasonExceedMaxRetry) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for s.seenCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.seenCount() != 3 {
		t.Fatalf("expected original plus 2 resends, got %d", s.seenCount())
	}
	for i, d := range s.seen {
		if d.Common.Psn != s.seen[0].Common.Psn || d.Key() != s.seen[0].Key() {
			t.Fatalf("resend %d differs from the original", i)
		}
	}
	if s.dev.Status().Outstanding != 0 {
		t.Fatalf("expected operation removed from the table")
	}
}

func TestNakFailsOperation(t *testing.T) {
	testlog.Start(t)
	s := newSimDevice(t, DefaultConfig(), devicesim.Handlers{Work: func(d descriptor.WorkDesc) []descriptor.HostWorkDesc {
		return []descriptor.HostWorkDesc{{Kind: descriptor.HostNak, Dqpn: d.Common.Dqpn, Msn: d.Common.Msn, Code: 2}}
	}})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	op, err := s.dev.Write(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 64})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := waitOp(t, op); !errors.Is(err, opctx.ErrOperationFailed) || !strings.Contains(err.Error(), "nak code=2") {
		t.Fatalf("expected nak failure, got %v", err)
	}
}

func TestReadCompletesOnLastResponse(t *testing.T) {
	testlog.Start(t)
	s := newSimDevice(t, DefaultConfig(), devicesim.Handlers{Work: func(d descriptor.WorkDesc) []descriptor.HostWorkDesc {
		base := descriptor.HostWorkDesc{Kind: descriptor.HostWriteOrReadResp, IsReadResp: true, Dqpn: d.Common.Dqpn, Msn: d.Common.Msn}
		first, last := base, base
		first.Pos, first.Psn = descriptor.PosFirst, d.Common.Psn
		last.Pos, last.Psn = descriptor.PosLast, d.Common.Psn.WrappingAdd(1)
		return []descriptor.HostWorkDesc{first, last}
	}})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	op, err := s.dev.Read(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 512})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if s.seen[0].Opcode != descriptor.WorkOpRead {
		t.Fatalf("expected read descriptor, got %s", s.seen[0].Opcode)
	}
}

func TestReadWaitsForEveryResponse(t *testing.T) {
	testlog.Start(t)
	var attempts atomic.Int32
	s := newSimDevice(t, Config{Retry: fastRetry(3)}, devicesim.Handlers{Work: func(d descriptor.WorkDesc) []descriptor.HostWorkDesc {
		resp := func(pos descriptor.PacketPos, i uint32) descriptor.HostWorkDesc {
			return descriptor.HostWorkDesc{
				Kind:       descriptor.HostWriteOrReadResp,
				IsReadResp: true,
				Dqpn:       d.Common.Dqpn,
				Msn:        d.Common.Msn,
				Psn:        d.Common.Psn.WrappingAdd(i),
				Pos:        pos,
			}
		}
		// The first attempt loses the middle response; the resend delivers it.
		if attempts.Add(1) == 1 {
			return []descriptor.HostWorkDesc{resp(descriptor.PosFirst, 0), resp(descriptor.PosLast, 2)}
		}
		return []descriptor.HostWorkDesc{resp(descriptor.PosMiddle, 1)}
	}})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	op, err := s.dev.Read(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 768})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if got := attempts.Load(); got < 2 {
		t.Fatalf("read completed with a response missing, attempts=%d", got)
	}
}

func TestCloseFailsOutstandingOps(t *testing.T) {
	testlog.Start(t)
	s := newSimDevice(t, DefaultConfig(), devicesim.Handlers{})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	write, err := s.dev.Write(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 64})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	read, err := s.dev.Read(testQpn, 0x2000, 7, 0, descriptor.Sge{Addr: 0x1000, Len: 64})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for name, op := range map[string]*opctx.OpCtx[struct{}]{"write": write, "read": read} {
		err := waitOp(t, op)
		if !errors.Is(err, opctx.ErrOperationFailed) || !strings.Contains(err.Error(), "device closed") {
			t.Fatalf("%s: expected device closed failure, got %v", name, err)
		}
	}
	if got := s.dev.Status().Outstanding; got != 0 {
		t.Fatalf("expected empty op table after close, outstanding=%d", got)
	}
}

func TestWriteRejectsOversizedSges(t *testing.T) {
	testlog.Start(t)
	s := newSimDevice(t, DefaultConfig(), devicesim.Handlers{Work: devicesim.AckAll})
	if err := s.dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	_, err := s.dev.Write(testQpn, 0x2000, 7, 0,
		descriptor.Sge{Addr: 0x1000, Len: math.MaxUint32},
		descriptor.Sge{Addr: 0x2000, Len: 2})
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected invalid length, got %v", err)
	}
	if s.seenCount() != 0 || s.dev.Status().Outstanding != 0 {
		t.Fatalf("rejected write reached the device")
	}
}

func TestCtrlRejectionAndUnknownQp(t *testing.T) {
	testlog.Start(t)
	s := newSimDevice(t, DefaultConfig(), devicesim.Handlers{Ctrl: func(d descriptor.CtrlDesc) descriptor.CtrlResp {
		return descriptor.CtrlResp{Opcode: d.Opcode(), OpID: d.OpID(), IsSuccess: false}
	}})
	if err := s.dev.CreateQP(qpParams(ipB)); !errors.Is(err, ErrCtrlFailed) {
		t.Fatalf("expected ctrl failure, got %v", err)
	}
	if _, err := s.dev.Write(testQpn, 0, 0, 0, descriptor.Sge{Addr: 1, Len: 1}); !errors.Is(err, ErrInvalidQpn) {
		t.Fatalf("expected invalid qpn, got %v", err)
	}
	if err := s.dev.DestroyQP(testQpn); !errors.Is(err, ErrInvalidQpn) {
		t.Fatalf("expected invalid qpn on destroy, got %v", err)
	}
	if err := s.dev.CreateQP(QpParams{Qpn: 1, Pmtu: 9}); !errors.Is(err, types.ErrInvalidPmtu) {
		t.Fatalf("expected invalid pmtu, got %v", err)
	}
}

func TestWriteOverflowReportsBusy(t *testing.T) {
	testlog.Start(t)
	a, peer, err := devicesim.NewAdaptor(8)
	if err != nil {
		t.Fatalf("new adaptor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- peer.Serve(ctx, devicesim.Handlers{}) }()
	dev, err := New(a, DefaultConfig())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	defer dev.Close()
	if err := dev.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	// Depth 8 holds two 3-slot descriptors.
	for i := 0; i < 2; i++ {
		if _, err := dev.Write(testQpn, 0, 0, 0, descriptor.Sge{Addr: 1, Len: 1}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := dev.Write(testQpn, 0, 0, 0, descriptor.Sge{Addr: 1, Len: 1}); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected device busy, got %v", err)
	}
	if got := dev.Status().Outstanding; got != 2 {
		t.Fatalf("expected the rejected op removed, outstanding=%d", got)
	}
}

func TestClosedDeviceRejectsWork(t *testing.T) {
	testlog.Start(t)
	a, _, err := devicesim.NewAdaptor(16)
	if err != nil {
		t.Fatalf("new adaptor: %v", err)
	}
	dev, err := New(a, DefaultConfig())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := dev.SetNetwork(types.Network{IP: ipA}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

type softPair struct {
	a, b       *Device
	memA, memB *software.BufferMemory
}

const memBase = 0x40000

// newSoftPair connects two software devices. dropA and dropB filter the
// packets each side sends.
func newSoftPair(t *testing.T, cfg Config, dropA, dropB func(software.Packet) bool) softPair {
	t.Helper()
	memA := software.NewBufferMemory(memBase, 16384)
	memB := software.NewBufferMemory(memBase, 16384)
	cfgA, cfgB := cfg, cfg
	cfgA.Network = types.Network{IP: ipA}
	cfgB.Network = types.Network{IP: ipB}
	a, err := NewSoftware(software.Config{ListenAddr: "127.0.0.1:0", Memory: memA, DropFunc: dropA}, cfgA)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSoftware(software.Config{ListenAddr: "127.0.0.1:0", Memory: memB, DropFunc: dropB}, cfgB)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	swA := a.Adaptor().(*software.Device)
	swB := b.Adaptor().(*software.Device)
	swA.AddPeer(ipB, swB.LocalAddr())
	swB.AddPeer(ipA, swA.LocalAddr())
	if err := a.CreateQP(qpParams(ipB)); err != nil {
		t.Fatalf("create qp a: %v", err)
	}
	if err := b.CreateQP(qpParams(ipA)); err != nil {
		t.Fatalf("create qp b: %v", err)
	}
	return softPair{a: a, b: b, memA: memA, memB: memB}
}

func TestSoftwareLoopbackWriteAndRead(t *testing.T) {
	testlog.Start(t)
	p := newSoftPair(t, DefaultConfig(), nil, nil)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64)
	if err := p.memA.WriteAt(memBase, payload); err != nil {
		t.Fatalf("seed: %v", err)
	}
	op, err := p.a.Write(testQpn, memBase+0x1000, 1, types.AccessRemoteWrite,
		descriptor.Sge{Addr: memBase, Len: 512}, descriptor.Sge{Addr: memBase + 512, Len: 512})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("write result: %v", err)
	}
	got, err := p.memB.Snapshot(memBase+0x1000, len(payload))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("remote memory mismatch: %v", err)
	}

	op, err = p.a.Read(testQpn, memBase+0x1000, 1, types.AccessRemoteRead, descriptor.Sge{Addr: memBase + 0x2000, Len: uint32(len(payload))})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("read result: %v", err)
	}
	got, err = p.memA.Snapshot(memBase+0x2000, len(payload))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("local memory mismatch after read: %v", err)
	}
	if p.a.Status().Outstanding != 0 {
		t.Fatalf("expected no outstanding ops")
	}
}

func TestSoftwareLostPacketIsRetransmitted(t *testing.T) {
	testlog.Start(t)
	var dropped atomic.Int32
	p := newSoftPair(t, Config{Retry: fastRetry(3)}, func(pkt software.Packet) bool {
		return pkt.Opcode == software.PktWrite && dropped.CompareAndSwap(0, 1)
	}, nil)
	if err := p.memA.WriteAt(memBase, []byte("lost once")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	start := time.Now()
	op, err := p.a.Write(testQpn, memBase+0x100, 1, types.AccessRemoteWrite, descriptor.Sge{Addr: memBase, Len: 9})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if dropped.Load() != 1 {
		t.Fatalf("expected the first packet dropped")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("completed before the retry timeout: %s", elapsed)
	}
	got, err := p.memB.Snapshot(memBase+0x100, 9)
	if err != nil || string(got) != "lost once" {
		t.Fatalf("remote memory %q: %v", got, err)
	}
}

func TestSoftwareLostMiddlePacketDelaysAck(t *testing.T) {
	testlog.Start(t)
	var dropped atomic.Int32
	p := newSoftPair(t, Config{Retry: fastRetry(3)}, func(pkt software.Packet) bool {
		return pkt.Opcode == software.PktWrite && !pkt.First && !pkt.Last && dropped.CompareAndSwap(0, 1)
	}, nil)
	payload := bytes.Repeat([]byte("middle"), 128)
	if err := p.memA.WriteAt(memBase, payload); err != nil {
		t.Fatalf("seed: %v", err)
	}
	start := time.Now()
	// 768 bytes at a page-aligned address is three packets at pmtu 256.
	op, err := p.a.Write(testQpn, memBase+0x1000, 1, types.AccessRemoteWrite, descriptor.Sge{Addr: memBase, Len: uint32(len(payload))})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if dropped.Load() != 1 {
		t.Fatalf("expected the middle packet dropped")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("acknowledged before the resend: %s", elapsed)
	}
	got, err := p.memB.Snapshot(memBase+0x1000, len(payload))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("remote memory mismatch: %v", err)
	}
}

func TestSoftwareLostReadResponseIsRetried(t *testing.T) {
	testlog.Start(t)
	var dropped atomic.Int32
	p := newSoftPair(t, Config{Retry: fastRetry(3)}, nil, func(pkt software.Packet) bool {
		return pkt.Opcode == software.PktReadResponse && !pkt.First && !pkt.Last && dropped.CompareAndSwap(0, 1)
	})
	payload := bytes.Repeat([]byte("remote"), 128)
	if err := p.memB.WriteAt(memBase+0x1000, payload); err != nil {
		t.Fatalf("seed: %v", err)
	}
	start := time.Now()
	op, err := p.a.Read(testQpn, memBase+0x1000, 1, types.AccessRemoteRead, descriptor.Sge{Addr: memBase + 0x2000, Len: uint32(len(payload))})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := waitOp(t, op); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if dropped.Load() != 1 {
		t.Fatalf("expected a read response dropped")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("read completed before the resend: %s", elapsed)
	}
	got, err := p.memA.Snapshot(memBase+0x2000, len(payload))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("local memory mismatch after read: %v", err)
	}
}
