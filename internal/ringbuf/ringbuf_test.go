package ringbuf

import (
	"errors"
	"sync"
	"testing"

	"code.hybscloud.com/iox"

	"github.com/danmuck/openrdma/internal/testutil/testlog"
)

type regs struct {
	mu   sync.Mutex
	head uint32
	tail uint32

	// failHead and failTail reject the next register write once.
	failHead bool
	failTail bool
}

var errRegWrite = errors.New("register write rejected")

func (r *regs) ReadHead() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, nil
}

func (r *regs) WriteHead(v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failHead {
		r.failHead = false
		return errRegWrite
	}
	r.head = v
	return nil
}

func (r *regs) ReadTail() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tail, nil
}

func (r *regs) WriteTail(v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTail {
		r.failTail = false
		return errRegWrite
	}
	r.tail = v
	return nil
}

// pair returns the producer and consumer views of one ring.
func pair(t *testing.T, depth uint32) (*Ringbuf[*regs], *Ringbuf[*regs], *regs) {
	t.Helper()
	region, err := AllocAnonymous(int(depth) * 32)
	if err != nil {
		t.Fatalf("alloc region: %v", err)
	}
	t.Cleanup(func() { _ = region.Close() })
	proxy := &regs{}
	prod, base, err := NewRingbuf(proxy, region, depth, 32)
	if err != nil {
		t.Fatalf("new producer ring: %v", err)
	}
	if base != region.Base() {
		t.Fatalf("unexpected base: %x want %x", base, region.Base())
	}
	cons, _, err := NewRingbuf(proxy, region, depth, 32)
	if err != nil {
		t.Fatalf("new consumer ring: %v", err)
	}
	return prod, cons, proxy
}

func writeBytes(t *testing.T, r *Ringbuf[*regs], vals ...byte) {
	t.Helper()
	w, err := r.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := w.Reserve(len(vals)); err != nil {
		t.Fatalf("reserve %d: %v", len(vals), err)
	}
	for _, v := range vals {
		s, err := w.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		s[0] = v
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func readAll(t *testing.T, r *Ringbuf[*regs]) []byte {
	t.Helper()
	rd, err := r.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	var out []byte
	for {
		s, err := rd.Next()
		if iox.IsWouldBlock(err) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, s[0])
	}
	if err := rd.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return out
}

func TestRingWrapsAcrossManyRounds(t *testing.T) {
	testlog.Start(t)

	prod, cons, _ := pair(t, 4)
	var next byte
	for round := 0; round < 20; round++ {
		want := []byte{next, next + 1, next + 2}
		next += 3
		writeBytes(t, prod, want...)
		got := readAll(t, cons)
		if string(got) != string(want) {
			t.Fatalf("round %d: got=%v want=%v", round, got, want)
		}
	}
	if prod.Head() >= 2*prod.Depth() {
		t.Fatalf("head escaped index window: %d", prod.Head())
	}
}

func TestRingFullIsDistinctFromEmpty(t *testing.T) {
	testlog.Start(t)

	prod, cons, proxy := pair(t, 4)
	writeBytes(t, prod, 1, 2, 3, 4)
	if proxy.head == proxy.tail {
		t.Fatalf("full ring looks empty: head=%d tail=%d", proxy.head, proxy.tail)
	}

	w, err := prod.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := w.Reserve(1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}

	if got := readAll(t, cons); len(got) != 4 {
		t.Fatalf("expected 4 slots, got %v", got)
	}
	if got := readAll(t, cons); len(got) != 0 {
		t.Fatalf("expected empty ring, got %v", got)
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	testlog.Start(t)

	prod, cons, proxy := pair(t, 8)
	writeBytes(t, prod, 1, 2, 3, 4, 5, 6)

	w, err := prod.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := w.Reserve(3); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow for 3 slots, got %v", err)
	}
	if w.Free() != 2 {
		t.Fatalf("failed reserve changed free count: %d", w.Free())
	}
	if _, err := w.Next(); !errors.Is(err, ErrWriteActive) {
		t.Fatalf("expected ErrWriteActive without reservation, got %v", err)
	}
	if proxy.head != 6 {
		t.Fatalf("head moved after failed reserve: %d", proxy.head)
	}
	if got := readAll(t, cons); len(got) != 6 {
		t.Fatalf("unexpected slots: %v", got)
	}
}

func TestUncommittedReadRestartsFromSameSlot(t *testing.T) {
	testlog.Start(t)

	prod, cons, _ := pair(t, 4)
	writeBytes(t, prod, 7, 8)

	rd, err := cons.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	s, err := rd.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if s[0] != 7 {
		t.Fatalf("unexpected first slot: %d", s[0])
	}

	if got := readAll(t, cons); string(got) != string([]byte{7, 8}) {
		t.Fatalf("expected restart at first slot, got %v", got)
	}
}

func TestCommitNRewindsUnreleasedSlots(t *testing.T) {
	testlog.Start(t)

	prod, cons, _ := pair(t, 4)
	writeBytes(t, prod, 1, 2, 3)

	rd, err := cons.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := rd.Next(); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}
	if err := rd.CommitN(1); err != nil {
		t.Fatalf("commit n: %v", err)
	}
	if got := readAll(t, cons); string(got) != string([]byte{2, 3}) {
		t.Fatalf("unexpected remaining slots: %v", got)
	}
}

func TestFailedHeadWriteDropsStagedSlots(t *testing.T) {
	testlog.Start(t)

	prod, cons, proxy := pair(t, 4)
	w, err := prod.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := w.Reserve(2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for _, v := range []byte{1, 2} {
		s, err := w.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		s[0] = v
	}
	proxy.failHead = true
	if err := w.Commit(); !errors.Is(err, errRegWrite) {
		t.Fatalf("expected register write error, got %v", err)
	}
	if prod.Head() != 0 || proxy.head != 0 {
		t.Fatalf("head advanced after failed commit: local=%d reg=%d", prod.Head(), proxy.head)
	}
	if got := w.Free(); got != 4 {
		t.Fatalf("failed commit kept its reservation, free=%d", got)
	}

	writeBytes(t, prod, 9)
	if prod.Head() != 1 || proxy.head != 1 {
		t.Fatalf("later commit published %d slots, reg=%d", prod.Head(), proxy.head)
	}
	if got := readAll(t, cons); string(got) != string([]byte{9}) {
		t.Fatalf("expected only the later slot, got %v", got)
	}
}

func TestFailedTailWriteKeepsSlots(t *testing.T) {
	testlog.Start(t)

	prod, cons, proxy := pair(t, 4)
	writeBytes(t, prod, 3, 4)

	rd, err := cons.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := rd.Next(); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}
	proxy.failTail = true
	if err := rd.Commit(); !errors.Is(err, errRegWrite) {
		t.Fatalf("expected register write error, got %v", err)
	}
	if cons.Tail() != 0 || proxy.tail != 0 {
		t.Fatalf("tail advanced after failed commit: local=%d reg=%d", cons.Tail(), proxy.tail)
	}
	if got := readAll(t, cons); string(got) != string([]byte{3, 4}) {
		t.Fatalf("expected both slots again, got %v", got)
	}
}

func TestCorruptDeviceIndexIsReported(t *testing.T) {
	testlog.Start(t)

	prod, cons, proxy := pair(t, 4)
	proxy.head = 6
	if _, err := cons.BeginRead(); !errors.Is(err, ErrIndexCorrupt) {
		t.Fatalf("expected ErrIndexCorrupt for head, got %v", err)
	}
	proxy.head = 0
	proxy.tail = 3
	if _, err := prod.BeginWrite(); !errors.Is(err, ErrIndexCorrupt) {
		t.Fatalf("expected ErrIndexCorrupt for tail, got %v", err)
	}
}

func TestNewRingbufValidation(t *testing.T) {
	testlog.Start(t)

	region, err := AllocAnonymous(4096)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer region.Close()
	if region.Base()%uintptr(pageSize()) != 0 {
		t.Fatalf("region not page aligned: %x", region.Base())
	}
	if _, _, err := NewRingbuf(&regs{}, region, 3, 32); !errors.Is(err, ErrInvalidDepth) {
		t.Fatalf("expected ErrInvalidDepth, got %v", err)
	}
	if _, _, err := NewRingbuf(&regs{}, region, 256, 32); !errors.Is(err, ErrRegionSize) {
		t.Fatalf("expected ErrRegionSize, got %v", err)
	}
	sub, err := region.Sub(1024, 1024)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if sub.Base() != region.Base()+1024 {
		t.Fatalf("unexpected sub base: %x", sub.Base())
	}
	if _, err := region.Sub(4000, 200); !errors.Is(err, ErrRegionSize) {
		t.Fatalf("expected ErrRegionSize for out of range sub, got %v", err)
	}
}

func TestMapSharedSeesSameBytes(t *testing.T) {
	testlog.Start(t)

	path := t.TempDir() + "/rings"
	a, err := MapShared(path, 4096)
	if err != nil {
		t.Fatalf("map a: %v", err)
	}
	defer a.Close()
	b, err := MapShared(path, 4096)
	if err != nil {
		t.Fatalf("map b: %v", err)
	}
	defer b.Close()
	a.Bytes()[100] = 0x5A
	if b.Bytes()[100] != 0x5A {
		t.Fatalf("shared mapping not coherent")
	}
}
