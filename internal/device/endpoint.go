package device

import (
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/iox"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/ringbuf"
)

// Ring is a ring addressed through CSR index registers.
type Ring = ringbuf.Ringbuf[ringbuf.CsrProxy]

// guardedRing serializes every multi-slot access to one ring. A panic while
// the lock is held poisons it; every later call fails with ErrLockPoisoned.
type guardedRing struct {
	mu       sync.Mutex
	poisoned bool
	id       RingID
	ring     *Ring
}

func (g *guardedRing) with(fn func(r *Ring) error) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.poisoned {
		return fmt.Errorf("%w: %s", ErrLockPoisoned, g.id)
	}
	defer func() {
		if p := recover(); p != nil {
			g.poisoned = true
			logging.Errf("device.Ring poisoned ring=%s panic=%v", g.id, p)
			err = fmt.Errorf("%w: %s: %v", ErrLockPoisoned, g.id, p)
		}
	}()
	return fn(g.ring)
}

func (g *guardedRing) wrapWriteErr(err error) error {
	if errors.Is(err, ringbuf.ErrOverflow) {
		observability.RecordRingOverflow(g.id.String())
		return fmt.Errorf("%w: %s: %w", ErrOverflow, g.id, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDevice, g.id, err)
}

// CtrlSubmitter pushes control descriptors into the cmd-req ring.
type CtrlSubmitter struct {
	g guardedRing
}

func NewCtrlSubmitter(ring *Ring) *CtrlSubmitter {
	return &CtrlSubmitter{g: guardedRing{id: RingCmdReq, ring: ring}}
}

func (s *CtrlSubmitter) Push(desc descriptor.CtrlDesc) error {
	return s.g.with(func(r *Ring) error {
		w, err := r.BeginWrite()
		if err != nil {
			return s.g.wrapWriteErr(err)
		}
		if err := w.Reserve(1); err != nil {
			return s.g.wrapWriteErr(err)
		}
		slot, err := w.Next()
		if err != nil {
			return s.g.wrapWriteErr(err)
		}
		if err := descriptor.EncodeCtrl(desc, slot); err != nil {
			return err
		}
		logging.Debugf("device.CtrlSubmitter push opcode=%s op_id=%d", desc.Opcode(), desc.OpID())
		if err := w.Commit(); err != nil {
			return s.g.wrapWriteErr(err)
		}
		return nil
	})
}

// WorkSubmitter pushes 3 or 4 slot work descriptors into the send ring.
// Capacity for the whole descriptor is reserved before any slot is written.
type WorkSubmitter struct {
	g     guardedRing
	slots [][]byte
}

func NewWorkSubmitter(ring *Ring) *WorkSubmitter {
	return &WorkSubmitter{
		g:     guardedRing{id: RingSend, ring: ring},
		slots: make([][]byte, 0, descriptor.MaxSges),
	}
}

func (s *WorkSubmitter) Push(desc descriptor.WorkDesc) error {
	return s.g.with(func(r *Ring) error {
		n := desc.SlotCount()
		w, err := r.BeginWrite()
		if err != nil {
			return s.g.wrapWriteErr(err)
		}
		if err := w.Reserve(n); err != nil {
			return s.g.wrapWriteErr(err)
		}
		s.slots = s.slots[:0]
		for i := 0; i < n; i++ {
			slot, err := w.Next()
			if err != nil {
				return s.g.wrapWriteErr(err)
			}
			s.slots = append(s.slots, slot)
		}
		if err := descriptor.EncodeWork(desc, s.slots); err != nil {
			return err
		}
		logging.Debugf("device.WorkSubmitter push opcode=%s key=%s psn=%d slots=%d",
			desc.Opcode, desc.Key(), desc.Common.Psn, n)
		if err := w.Commit(); err != nil {
			return s.g.wrapWriteErr(err)
		}
		return nil
	})
}

// CtrlCompleter pops control responses from the cmd-resp ring.
type CtrlCompleter struct {
	g guardedRing
}

func NewCtrlCompleter(ring *Ring) *CtrlCompleter {
	return &CtrlCompleter{g: guardedRing{id: RingCmdResp, ring: ring}}
}

func (c *CtrlCompleter) Pop() (descriptor.CtrlResp, error) {
	var out descriptor.CtrlResp
	err := c.g.with(func(r *Ring) error {
		rd, err := r.BeginRead()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDevice, c.g.id, err)
		}
		slot, err := rd.Next()
		if err != nil {
			return err
		}
		out, err = descriptor.DecodeCtrlResp(slot)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDecode, c.g.id, err)
		}
		if err := rd.Commit(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDevice, c.g.id, err)
		}
		return nil
	})
	return out, err
}

// WorkCompleter pops meta reports from the meta-report ring. A descriptor
// whose trailing slots are not yet published stays in the ring and is read
// again from its first slot on the next Pop. Slots that fail to decode are
// discarded so the reader resynchronizes on the next descriptor head.
type WorkCompleter struct {
	g   guardedRing
	dec *descriptor.Decoder[descriptor.HostWorkDesc]
}

func NewWorkCompleter(ring *Ring) *WorkCompleter {
	return &WorkCompleter{
		g:   guardedRing{id: RingMetaReport, ring: ring},
		dec: descriptor.NewHostWorkDecoder(),
	}
}

func (c *WorkCompleter) Pop() (descriptor.HostWorkDesc, error) {
	var out descriptor.HostWorkDesc
	err := c.g.with(func(r *Ring) error {
		rd, err := r.BeginRead()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDevice, c.g.id, err)
		}
		c.dec.Reset()
		var consumed uint32
		for {
			slot, err := rd.Next()
			if iox.IsWouldBlock(err) {
				// Empty, or a partial descriptor left for the next Pop.
				_ = rd.CommitN(0)
				return iox.ErrWouldBlock
			}
			if err != nil {
				return err
			}
			consumed++
			done, err := c.dec.Feed(slot)
			if err != nil {
				observability.RecordRingDecodeError(c.g.id.String())
				logging.Warnf("device.WorkCompleter decode_error ring=%s discarded=%d err=%v", c.g.id, consumed, err)
				if cerr := rd.CommitN(consumed); cerr != nil {
					return fmt.Errorf("%w: %s: %w", ErrDevice, c.g.id, cerr)
				}
				return fmt.Errorf("%w: %s: %w", ErrDecode, c.g.id, err)
			}
			if done {
				out = c.dec.Value()
				if err := rd.CommitN(consumed); err != nil {
					return fmt.Errorf("%w: %s: %w", ErrDevice, c.g.id, err)
				}
				return nil
			}
		}
	})
	if err != nil {
		return descriptor.HostWorkDesc{}, err
	}
	return out, nil
}
