// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cbcast

import (
	"context"
	"sync"

	"github.com/creachadair/mds/queue"
)

// A workQueue is an unbounded FIFO queue shared by a pool of workers.
// Adding to the queue never blocks.
type workQueue[T any] struct {
	μ     sync.Mutex
	q     *queue.Queue[T]
	ready chan struct{} // signaled when the queue may be non-empty
}

func newWorkQueue[T any]() *workQueue[T] {
	return &workQueue[T]{q: queue.New[T](), ready: make(chan struct{}, 1)}
}

func (w *workQueue[T]) signal() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// put adds v to the end of the queue.
func (w *workQueue[T]) put(v T) {
	w.μ.Lock()
	w.q.Add(v)
	w.μ.Unlock()
	w.signal()
}

// tryGet removes and returns the item at the front of the queue, if any.
func (w *workQueue[T]) tryGet() (T, bool) {
	w.μ.Lock()
	defer w.μ.Unlock()
	v, ok := w.q.Pop()
	if ok && !w.q.IsEmpty() {
		w.signal() // wake another worker
	}
	return v, ok
}

// get blocks until an item is available or ctx ends. It reports false if ctx
// ended first.
func (w *workQueue[T]) get(ctx context.Context) (T, bool) {
	for {
		if v, ok := w.tryGet(); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-w.ready:
		}
	}
}

// len reports the number of items in the queue.
func (w *workQueue[T]) len() int {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.q.Len()
}
