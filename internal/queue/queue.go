// Package queue provides the unbounded FIFO used to hand events from
// writers to slower consumers without blocking the writer.
package queue

import "sync"

// Queue is a thread-safe unbounded FIFO.
//
// Enqueue never blocks, so a storage write can publish an event while
// consumers are still busy with earlier ones. A channel is used for
// signaling to enable context-aware waiting.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	// Non-blocking: a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front item without blocking.
// Returns false if the queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Clear the slot so the backing array does not retain the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// Wait returns a channel that signals when items may be available.
// The channel is closed once the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more items will be enqueued.
// Items already queued can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Pump forwards queued items to out in FIFO order and closes out once the
// queue is closed and drained. Closing abort stops the pump early, dropping
// whatever is still queued; abort may be nil.
//
// Pump blocks; run it in its own goroutine.
func (q *Queue[T]) Pump(out chan<- T, abort <-chan struct{}) {
	defer close(out)
	for {
		item, ok := q.TryDequeue()
		if ok {
			select {
			case out <- item:
			case <-abort:
				return
			}
			continue
		}

		if q.Closed() && q.Len() == 0 {
			return
		}

		select {
		case <-q.Wait():
		case <-abort:
			return
		}
	}
}
