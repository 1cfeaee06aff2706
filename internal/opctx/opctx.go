// Package opctx provides the one-shot completion cell callers block on and
// the shared lookup table that lets a poller or the retry monitor find it.
package opctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/openrdma/internal/logging"
)

var ErrOperationFailed = errors.New("opctx: operation failed")

type State int

const (
	StateRunning State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of an OpCtx. Value is only meaningful when Succeeded,
// Reason only when Failed.
type Status[T any] struct {
	State  State
	Value  T
	Reason string
}

// OpCtx delivers exactly one terminal result. The first SetResult/SetError
// wins; later calls are logged and ignored since timeout and completion are
// expected to race.
type OpCtx[T any] struct {
	mu     sync.Mutex
	status Status[T]
	done   chan struct{}
}

func NewRunning[T any]() *OpCtx[T] {
	return &OpCtx[T]{done: make(chan struct{})}
}

func (c *OpCtx[T]) SetResult(v T) bool {
	return c.resolve(Status[T]{State: StateSucceeded, Value: v})
}

func (c *OpCtx[T]) SetError(reason string) bool {
	return c.resolve(Status[T]{State: StateFailed, Reason: reason})
}

func (c *OpCtx[T]) resolve(next Status[T]) bool {
	c.mu.Lock()
	if c.status.State != StateRunning {
		prev := c.status.State
		c.mu.Unlock()
		logging.Debugf("opctx.OpCtx resolve ignored current=%s attempted=%s", prev, next.State)
		return false
	}
	c.status = next
	close(c.done)
	c.mu.Unlock()
	return true
}

func (c *OpCtx[T]) Status() Status[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the context reaches a terminal state.
func (c *OpCtx[T]) Done() <-chan struct{} {
	return c.done
}

// WaitResult blocks until the context is terminal.
func (c *OpCtx[T]) WaitResult() (T, error) {
	<-c.done
	return c.result()
}

// WaitResultContext is WaitResult bounded by ctx. A cancelled wait does not
// resolve the operation.
func (c *OpCtx[T]) WaitResultContext(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *OpCtx[T]) result() (T, error) {
	st := c.Status()
	if st.State == StateFailed {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrOperationFailed, st.Reason)
	}
	return st.Value, nil
}
