package software

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/types"
)

// Scheduler keeps one FIFO per destination queue pair and hands descriptors
// out round-robin across queue pairs.
type Scheduler struct {
	mu     sync.Mutex
	queues map[types.Qpn]*queue.Queue
	order  []types.Qpn
	next   int
	size   int
	ready  chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		queues: make(map[types.Qpn]*queue.Queue),
		ready:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) Push(desc descriptor.WorkDesc) error {
	s.mu.Lock()
	qpn := desc.Common.Dqpn
	q, ok := s.queues[qpn]
	if !ok {
		q = queue.New()
		s.queues[qpn] = q
		s.order = append(s.order, qpn)
	}
	q.Add(desc)
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next descriptor in round-robin order.
func (s *Scheduler) Pop() (descriptor.WorkDesc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) > 0 {
		if s.next >= len(s.order) {
			s.next = 0
		}
		qpn := s.order[s.next]
		q := s.queues[qpn]
		if q.Length() == 0 {
			// Drop idle queue pairs so order stays short.
			delete(s.queues, qpn)
			s.order = append(s.order[:s.next], s.order[s.next+1:]...)
			continue
		}
		s.next++
		s.size--
		return q.Remove().(descriptor.WorkDesc), true
	}
	return descriptor.WorkDesc{}, false
}

// Len reports how many descriptors are queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Ready is signalled after a Push.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}
