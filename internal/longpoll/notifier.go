// Package longpoll lets callers block until a keyed event resolves.
//
// Every waiter is delivered at most once. Exactly one of resolve, timeout or
// cancellation wins for a given waiter; whichever loses is a no-op.
package longpoll

import (
	"context"
	"sync"
	"time"
)

// Waiter is one registered caller.
type Waiter[T any] struct {
	id       string
	ch       chan T
	resolved bool
}

// C receives the resolved value, at most once.
func (w *Waiter[T]) C() <-chan T { return w.ch }

type Notifier[T any] struct {
	mu      sync.Mutex
	waiters map[string]map[*Waiter[T]]struct{}
}

func New[T any]() *Notifier[T] {
	return &Notifier[T]{waiters: make(map[string]map[*Waiter[T]]struct{})}
}

// Register adds a waiter for id. Callers must end with Resolve reaching it or
// Unregister.
func (n *Notifier[T]) Register(id string) *Waiter[T] {
	w := &Waiter[T]{id: id, ch: make(chan T, 1)}
	n.mu.Lock()
	set, ok := n.waiters[id]
	if !ok {
		set = make(map[*Waiter[T]]struct{})
		n.waiters[id] = set
	}
	set[w] = struct{}{}
	n.mu.Unlock()
	return w
}

// Resolve hands v to every waiter registered for id and clears the set.
// It returns how many waiters were notified.
func (n *Notifier[T]) Resolve(id string, v T) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.waiters[id]
	delete(n.waiters, id)
	for w := range set {
		w.resolved = true
		w.ch <- v
	}
	return len(set)
}

// Unregister removes w without resolving it. It returns false when w was
// already resolved, in which case the value is waiting on w.C().
func (n *Notifier[T]) Unregister(w *Waiter[T]) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w.resolved {
		return false
	}
	if set, ok := n.waiters[w.id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(n.waiters, w.id)
		}
	}
	w.resolved = true
	return true
}

// Wait blocks on an already registered waiter until it resolves, timeout
// elapses or ctx is done. ok is false on timeout or cancellation. The waiter
// is always released on return.
func (n *Notifier[T]) Wait(ctx context.Context, w *Waiter[T], timeout time.Duration) (v T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v = <-w.ch:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}
	if !n.Unregister(w) {
		// Resolve won the race; its value is already buffered.
		return <-w.ch, true
	}
	return v, false
}

// Len is the number of registered waiters across all ids.
func (n *Notifier[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, set := range n.waiters {
		total += len(set)
	}
	return total
}
