package replication

import (
	"context"
	"sync"
)

// Leadership tells the engine whether this process may drive the
// replication identity. Several local instances sharing one identity must
// agree that exactly one of them is leader.
type Leadership interface {
	IsLeader() bool

	// AwaitLeadership blocks until this instance becomes leader or ctx is
	// done.
	AwaitLeadership(ctx context.Context) error
}

// Gate is a Leadership whose promotion is controlled by the caller.
// It never demotes.
type Gate struct {
	mu       sync.Mutex
	leader   bool
	promoted chan struct{}
}

// NewGate creates a gate, already promoted if leader is true.
func NewGate(leader bool) *Gate {
	g := &Gate{promoted: make(chan struct{})}
	if leader {
		g.Promote()
	}
	return g
}

// Promote makes the gate leader and releases every waiter.
func (g *Gate) Promote() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leader {
		return
	}
	g.leader = true
	close(g.promoted)
}

// IsLeader implements Leadership.
func (g *Gate) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

// AwaitLeadership implements Leadership.
func (g *Gate) AwaitLeadership(ctx context.Context) error {
	select {
	case <-g.promoted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
