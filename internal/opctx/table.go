package opctx

import (
	"errors"
	"sync"
)

var ErrDuplicateKey = errors.New("opctx: key already registered")

// Table maps operation identities to their contexts. Lookups take the shared
// lock; only Insert/Take/Remove take it exclusively. The lock is never held
// while a context is waited on.
type Table[K comparable, T any] struct {
	mu    sync.RWMutex
	items map[K]*OpCtx[T]
}

func NewTable[K comparable, T any]() *Table[K, T] {
	return &Table[K, T]{items: make(map[K]*OpCtx[T])}
}

func (t *Table[K, T]) Insert(key K, ctx *OpCtx[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[key]; ok {
		return ErrDuplicateKey
	}
	t.items[key] = ctx
	return nil
}

func (t *Table[K, T]) Get(key K) (*OpCtx[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.items[key]
	return ctx, ok
}

// Take removes and returns the context for key. The resolver calls Take so
// that exactly one component ends up owning the resolution.
func (t *Table[K, T]) Take(key K) (*OpCtx[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.items[key]
	if ok {
		delete(t.items, key)
	}
	return ctx, ok
}

func (t *Table[K, T]) Remove(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *Table[K, T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// TakeAll empties the table and returns every context it held.
func (t *Table[K, T]) TakeAll() map[K]*OpCtx[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.items
	t.items = make(map[K]*OpCtx[T])
	return items
}
