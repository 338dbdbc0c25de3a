package replication

import "sync"

// emitter is one lifecycle event channel with a fixed buffer. Emitting never
// blocks the replication: an event that finds the buffer full is dropped,
// so a consumer that stops reading costs at most one buffer of memory.
type emitter[T any] struct {
	mu      sync.Mutex
	out     chan T
	closed  bool
	dropped int
}

func newEmitter[T any](size int) *emitter[T] {
	return &emitter[T]{out: make(chan T, size)}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.out <- v:
	default:
		e.dropped++
	}
}

// close closes the channel after the buffered events and reports how many
// events were dropped.
func (e *emitter[T]) close() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return e.dropped
}

// State is the lifecycle state of a Replication.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateRetryWait
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateRetryWait:
		return "retry-wait"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
