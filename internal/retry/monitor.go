// Package retry tracks outstanding work operations and resends their
// descriptors when no completion arrives before the deadline.
package retry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/types"
)

var ErrResourceUnavailable = errors.New("retry: monitor event queue closed")

// ReasonExceedMaxRetry is the failure reason set on an operation whose
// retry budget ran out.
const ReasonExceedMaxRetry = "exceed max retry count"

// Sender submits a work descriptor to the device. The monitor uses it for
// resends.
type Sender interface {
	SendWorkDesc(desc descriptor.WorkDesc) error
}

type EventKind uint8

const (
	EventRetry EventKind = iota + 1
	EventCancel
)

// Event is a tracking request for the monitor.
type Event struct {
	Kind EventKind
	Key  types.OpKey
	Desc descriptor.WorkDesc
}

// RetryEvent starts tracking desc under (qpn, msn) with a full budget.
func RetryEvent(desc descriptor.WorkDesc, qpn types.Qpn, msn types.Msn) Event {
	return Event{Kind: EventRetry, Key: types.OpKey{Qpn: qpn, Msn: msn}, Desc: desc}
}

// CancelEvent stops tracking (qpn, msn) after a confirmed completion.
func CancelEvent(qpn types.Qpn, msn types.Msn) Event {
	return Event{Kind: EventCancel, Key: types.OpKey{Qpn: qpn, Msn: msn}}
}

type retryContext struct {
	desc     descriptor.WorkDesc
	budget   uint32
	deadline time.Time
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor owns every retry context. Only its loop goroutine touches the
// tracking map; producers hand it events through an unbounded queue.
type Monitor struct {
	cfg    Config
	sender Sender
	ops    *opctx.Table[types.OpKey, struct{}]
	now    func() time.Time

	mu     sync.Mutex
	events *queue.Queue
	closed bool

	tracked  map[types.OpKey]*retryContext
	trackedN atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor validates cfg and starts the loop.
func NewMonitor(cfg Config, sender Sender, ops *opctx.Table[types.OpKey, struct{}], opts ...Option) (*Monitor, error) {
	m, err := newMonitor(cfg, sender, ops, opts...)
	if err != nil {
		return nil, err
	}
	go m.run()
	logging.Infof("retry.Monitor start enabled=%v max_retry=%d timeout=%s interval=%s",
		cfg.Enabled, cfg.MaxRetry, cfg.RetryTimeout, cfg.CheckingInterval)
	return m, nil
}

func newMonitor(cfg Config, sender Sender, ops *opctx.Table[types.OpKey, struct{}], opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:     cfg,
		sender:  sender,
		ops:     ops,
		now:     time.Now,
		events:  queue.New(),
		tracked: make(map[types.OpKey]*retryContext),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Subscribe enqueues ev without blocking. Events from one caller are
// processed in order.
func (m *Monitor) Subscribe(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrResourceUnavailable
	}
	m.events.Add(ev)
	return nil
}

// Tracked reports how many operations are being tracked as of the last tick.
func (m *Monitor) Tracked() int {
	return int(m.trackedN.Load())
}

// Close stops accepting events, wakes the loop and waits for it to exit.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stop)
	})
	<-m.done
	return nil
}

func (m *Monitor) run() {
	defer close(m.done)
	timer := time.NewTimer(m.cfg.CheckingInterval)
	defer timer.Stop()
	for {
		select {
		case <-m.stop:
			logging.Infof("retry.Monitor stop tracked=%d", len(m.tracked))
			return
		default:
		}
		m.tick()
		timer.Reset(m.cfg.CheckingInterval)
		select {
		case <-m.stop:
			logging.Infof("retry.Monitor stop tracked=%d", len(m.tracked))
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) tick() {
	m.drain()
	m.checkTimeouts()
	m.trackedN.Store(int64(len(m.tracked)))
	observability.SetRetryTracked(len(m.tracked))
}

func (m *Monitor) drain() {
	m.mu.Lock()
	n := m.events.Length()
	batch := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, m.events.Remove().(Event))
	}
	m.mu.Unlock()

	if !m.cfg.Enabled {
		return
	}
	for _, ev := range batch {
		switch ev.Kind {
		case EventRetry:
			m.track(ev)
		case EventCancel:
			if _, ok := m.tracked[ev.Key]; !ok {
				logging.Warnf("retry.Monitor cancel_untracked key=%s", ev.Key)
				continue
			}
			delete(m.tracked, ev.Key)
			logging.Tracef("retry.Monitor cancel key=%s", ev.Key)
		default:
			logging.Warnf("retry.Monitor unknown_event kind=%d key=%s", ev.Kind, ev.Key)
		}
	}
}

func (m *Monitor) track(ev Event) {
	if _, ok := m.tracked[ev.Key]; ok {
		logging.Warnf("retry.Monitor duplicate_retry key=%s", ev.Key)
	}
	m.tracked[ev.Key] = &retryContext{
		desc:     ev.Desc,
		budget:   m.cfg.MaxRetry,
		deadline: m.now().Add(m.cfg.RetryTimeout),
	}
	logging.Tracef("retry.Monitor track key=%s budget=%d", ev.Key, m.cfg.MaxRetry)
}

func (m *Monitor) checkTimeouts() {
	now := m.now()
	for key, rc := range m.tracked {
		if now.Before(rc.deadline) {
			continue
		}
		if rc.budget > 0 {
			rc.budget--
			rc.deadline = now.Add(m.cfg.RetryTimeout)
			observability.RecordResend()
			if err := m.sender.SendWorkDesc(rc.desc); err != nil {
				logging.Errf("retry.Monitor resend_failed key=%s remaining=%d err=%v", key, rc.budget, err)
			} else {
				logging.Debugf("retry.Monitor resend key=%s psn=%d remaining=%d", key, rc.desc.Common.Psn, rc.budget)
			}
			continue
		}
		delete(m.tracked, key)
		observability.RecordRetryExhausted()
		ctx, ok := m.ops.Take(key)
		if !ok {
			logging.Warnf("retry.Monitor exhausted_without_ctx key=%s", key)
			continue
		}
		if ctx.SetError(ReasonExceedMaxRetry) {
			observability.RecordOpCompleted(opKind(rc.desc.Opcode), "failed")
		}
		logging.Warnf("retry.Monitor exhausted key=%s max_retry=%d", key, m.cfg.MaxRetry)
	}
}

func opKind(op descriptor.WorkOpcode) string {
	if op == descriptor.WorkOpRead {
		return "read"
	}
	return "write"
}
