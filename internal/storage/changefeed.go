package storage

import (
	"sync"

	"github.com/roach88/forksync/internal/queue"
)

// ChangeFeed broadcasts EventBulks to subscribers.
//
// Every subscriber has its own unbounded queue, so Publish never blocks the
// writer and a slow subscriber never delays the others. Backends call
// Publish after the batch is committed, while still holding their write
// lock, which keeps delivery in commit order.
type ChangeFeed struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewChangeFeed creates a feed with no subscribers.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber's view of a ChangeFeed.
type Subscription struct {
	feed      *ChangeFeed
	q         *queue.Queue[EventBulk]
	out       chan EventBulk
	abort     chan struct{}
	closeOnce sync.Once
}

// Subscribe registers a new subscriber. Subscribing to a closed feed returns
// a subscription whose channel is already closed.
func (f *ChangeFeed) Subscribe() *Subscription {
	sub := &Subscription{
		feed:  f,
		q:     queue.New[EventBulk](),
		out:   make(chan EventBulk),
		abort: make(chan struct{}),
	}
	go sub.q.Pump(sub.out, sub.abort)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.q.Close()
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Publish delivers bulk to every current subscriber.
func (f *ChangeFeed) Publish(bulk EventBulk) {
	if len(bulk.Events) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		sub.q.Enqueue(bulk)
	}
}

// Close ends every subscription. Already queued bulks are still delivered.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.q.Close()
	}
	f.subs = nil
}

// C returns the channel of bulks. It is closed when the subscription or the
// feed is closed.
func (s *Subscription) C() <-chan EventBulk {
	return s.out
}

// Close unsubscribes. Bulks not yet received are dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		s.q.Close()
		close(s.abort)
	})
}
