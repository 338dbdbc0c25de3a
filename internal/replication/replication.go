package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/meta"
	"github.com/roach88/forksync/internal/storage"
)

// Replication synchronizes one fork instance with one master.
//
// Thread-safety model:
//   - Start, Cancel, Remove, ReSync and the Await methods are safe from any
//     goroutine
//   - push and pull each run in their own goroutine and own their checkpoint
//   - both write the fork only through the conflict-aware BulkWrite path
type Replication struct {
	opts Options
	key  string // identity key, also the Echo Guard key
	log  *slog.Logger

	received *emitter[doc.Document]
	sent     *emitter[doc.Document]
	errs     *emitter[*Error]
	active   *emitter[bool]
	canceled *emitter[bool]

	// stopCtx is done once Cancel was called or the replication stopped on
	// its own. It is never passed to handlers or storage, so in-flight
	// calls finish naturally.
	stopCtx context.Context
	stop    context.CancelFunc

	forkChanged chan struct{} // buffered, size 1
	resync      chan struct{} // buffered, size 1

	mu       sync.Mutex
	started  bool
	running  bool
	store    *meta.Store
	busy     map[meta.Direction]bool
	retrying map[meta.Direction]bool
	drained  map[meta.Direction]bool
	initial  chan struct{}
	changed  chan struct{} // closed and replaced on every status change
	fatal    error

	teardownOnce sync.Once
	done         chan struct{}
}

// New creates a replication in the created state.
func New(opts Options) (*Replication, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid replication options: %w", err)
	}

	params := opts.Fork.Params()
	r := &Replication{
		opts: opts,
		key:  doc.IdentityKey(params.DatabaseName, params.CollectionName, opts.Identifier),
		log: opts.Logger.With(
			"replication", opts.Identifier,
			"collection", params.CollectionName,
		),
		received:    newEmitter[doc.Document](opts.EventBuffer),
		sent:        newEmitter[doc.Document](opts.EventBuffer),
		errs:        newEmitter[*Error](opts.EventBuffer),
		active:      newEmitter[bool](opts.EventBuffer),
		canceled:    newEmitter[bool](opts.EventBuffer),
		forkChanged: make(chan struct{}, 1),
		resync:      make(chan struct{}, 1),
		busy:        make(map[meta.Direction]bool),
		retrying:    make(map[meta.Direction]bool),
		drained:     make(map[meta.Direction]bool),
		initial:     make(chan struct{}),
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.stopCtx, r.stop = context.WithCancel(context.Background())
	return r, nil
}

// Identifier returns the replication identifier.
func (r *Replication) Identifier() string {
	return r.opts.Identifier
}

// Key returns the identity key that names the meta store and the Echo Guard
// mark.
func (r *Replication) Key() string {
	return r.key
}

// AutoStart reports whether the owner should start the replication on
// registration.
func (r *Replication) AutoStart() bool {
	return r.opts.AutoStart
}

// Received delivers every master document written into the fork.
func (r *Replication) Received() <-chan doc.Document { return r.received.out }

// Sent delivers every fork document the master accepted.
func (r *Replication) Sent() <-chan doc.Document { return r.sent.out }

// Errors delivers every failed iteration.
func (r *Replication) Errors() <-chan *Error { return r.errs.out }

// Active delivers true when the replication starts processing a batch and
// false when both directions are idle again.
func (r *Replication) Active() <-chan bool { return r.active.out }

// Canceled delivers true once the replication has stopped.
//
// Every event channel holds up to Options.EventBuffer unread events;
// later events are dropped until the consumer catches up. Channels are
// closed once the replication stopped and stay readable until drained.
func (r *Replication) Canceled() <-chan bool { return r.canceled.out }

// Done is closed once the replication has fully stopped.
func (r *Replication) Done() <-chan struct{} { return r.done }

// Err returns the invariant violation that stopped the replication, if any.
func (r *Replication) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// State returns the current lifecycle state.
func (r *Replication) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.stopCtx.Err() != nil:
		return StateStopped
	case !r.running:
		return StateCreated
	case r.retrying[meta.Push] || r.retrying[meta.Pull]:
		return StateRetryWait
	default:
		return StateRunning
	}
}

// Start moves the replication to running. A non-leader fails with
// ErrNotLeader, or with WaitForLeadership blocks until it is leader; Cancel
// releases the wait.
//
// ctx bounds only the start itself. The running loops are ended by Cancel.
// Calling Start on a running replication is a no-op.
func (r *Replication) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.start(ctx); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Replication) start(ctx context.Context) error {
	if r.stopCtx.Err() != nil {
		return ErrStopped
	}
	if err := r.awaitLeadership(ctx); err != nil {
		return err
	}

	params := r.opts.Fork.Params()
	store, err := meta.Open(ctx, r.opts.MetaStorage, params.DatabaseName, params.CollectionName, r.opts.Identifier)
	if err != nil {
		return fmt.Errorf("start replication %s: %w", r.opts.Identifier, err)
	}

	var sub *storage.Subscription
	if r.opts.Push != nil && r.opts.Live {
		sub = r.opts.Fork.Changes()
	}

	r.mu.Lock()
	if r.stopCtx.Err() != nil {
		r.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		store.Close()
		return ErrStopped
	}
	r.store = store
	r.running = true
	r.notifyLocked()
	r.mu.Unlock()

	r.log.Info("replication starting",
		"live", r.opts.Live,
		"push", r.opts.Push != nil,
		"pull", r.opts.Pull != nil,
	)

	go r.run(context.WithoutCancel(ctx), sub)
	return nil
}

func (r *Replication) awaitLeadership(ctx context.Context) error {
	if r.opts.Leadership == nil || r.opts.Leadership.IsLeader() {
		return nil
	}
	if !r.opts.WaitForLeadership {
		return ErrNotLeader
	}

	r.log.Info("waiting for leadership")
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(r.stopCtx, cancel)
	defer stopWatch()

	if err := r.opts.Leadership.AwaitLeadership(waitCtx); err != nil {
		if r.stopCtx.Err() != nil {
			return ErrStopped
		}
		return fmt.Errorf("await leadership: %w", err)
	}
	r.log.Info("leadership acquired")
	return nil
}

// run drives both directions until they return, then tears down.
func (r *Replication) run(ctx context.Context, sub *storage.Subscription) {
	if sub != nil {
		go r.watchFork(sub)
	}

	var g errgroup.Group
	if r.opts.Push != nil {
		g.Go(func() error { return r.runPush(ctx) })
	}
	if r.opts.Pull != nil {
		g.Go(func() error { return r.runPull(ctx) })
	}

	if err := g.Wait(); err != nil {
		r.mu.Lock()
		r.fatal = err
		r.mu.Unlock()
		r.log.Error("replication aborted", "error", err)
	}

	r.stop()
	r.teardown()
}

// watchFork turns fork writes into push wake-ups.
func (r *Replication) watchFork(sub *storage.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-r.stopCtx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			r.markPending(meta.Push)
			signal(r.forkChanged)
		}
	}
}

// teardown closes the meta store and every event channel. The loops must
// have returned, so no checkpoint write is in flight.
func (r *Replication) teardown() {
	r.teardownOnce.Do(func() {
		r.mu.Lock()
		store := r.store
		r.mu.Unlock()

		if store != nil {
			if err := store.Close(); err != nil {
				r.log.Warn("close meta store", "error", err)
			}
		}

		r.mu.Lock()
		r.notifyLocked()
		r.mu.Unlock()

		r.canceled.emit(true)
		dropped := r.received.close() + r.sent.close() + r.errs.close() +
			r.active.close() + r.canceled.close()
		if dropped > 0 {
			r.log.Warn("dropped unread replication events", "dropped", dropped)
		}

		r.log.Info("replication stopped")
		close(r.done)
	})
}

// Cancel stops the replication and waits until in-flight iterations have
// finished and the meta store is closed. It returns the invariant violation
// that stopped the replication, if any. Repeated calls are safe.
func (r *Replication) Cancel(ctx context.Context) error {
	r.stop()

	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		r.teardown()
	}

	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove cancels the replication and deletes its checkpoints and assumed
// master states. A new replication with the same identity starts over.
func (r *Replication) Remove(ctx context.Context) error {
	if err := r.Cancel(ctx); err != nil && !IsInvariantViolation(err) {
		return err
	}

	params := r.opts.Fork.Params()
	store, err := meta.Open(ctx, r.opts.MetaStorage, params.DatabaseName, params.CollectionName, r.opts.Identifier)
	if err != nil {
		return fmt.Errorf("remove replication %s: %w", r.opts.Identifier, err)
	}
	return store.Remove(ctx)
}

// ReSync makes pull ask the master for changes again. Live replications
// without a stream rely on it to notice master changes.
func (r *Replication) ReSync() {
	if r.opts.Pull == nil {
		return
	}
	r.markPending(meta.Pull)
	signal(r.resync)
}

// AwaitInitialReplication blocks until both directions have drained once.
func (r *Replication) AwaitInitialReplication(ctx context.Context) error {
	select {
	case <-r.initial:
		return nil
	case <-r.done:
		select {
		case <-r.initial:
			return nil
		default:
		}
		if err := r.Err(); err != nil {
			return err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitInSync blocks until both directions are idle and the fork holds no
// change push has not seen. On a stopped replication it returns at once
// with the error that stopped it, if any.
func (r *Replication) AwaitInSync(ctx context.Context) error {
	if err := r.AwaitInitialReplication(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}

	for {
		r.mu.Lock()
		idle := r.idleLocked()
		changed := r.changed
		store := r.store
		r.mu.Unlock()

		if r.stopCtx.Err() != nil {
			<-r.done
			return r.Err()
		}

		if idle {
			pending, err := r.forkPending(ctx, store)
			if err != nil {
				if r.stopCtx.Err() != nil {
					continue
				}
				return err
			}
			if !pending {
				return nil
			}
			r.markPending(meta.Push)
			signal(r.forkChanged)
			continue
		}

		select {
		case <-changed:
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forkPending reports whether the fork changed after the push checkpoint.
// Only live replications keep pushing, so only they can catch up.
func (r *Replication) forkPending(ctx context.Context, store *meta.Store) (bool, error) {
	if r.opts.Push == nil || !r.opts.Live {
		return false, nil
	}
	raw, err := store.Checkpoint(ctx, meta.Push)
	if err != nil {
		return false, err
	}
	cp, err := storage.DecodeCheckpoint(raw)
	if err != nil {
		return false, err
	}
	changed, err := r.opts.Fork.ChangedDocumentsSince(ctx, 1, cp)
	if err != nil {
		return false, err
	}
	return len(changed.Documents) > 0, nil
}

func (r *Replication) metaStore() *meta.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

func (r *Replication) directions() []meta.Direction {
	var dirs []meta.Direction
	if r.opts.Push != nil {
		dirs = append(dirs, meta.Push)
	}
	if r.opts.Pull != nil {
		dirs = append(dirs, meta.Pull)
	}
	return dirs
}

func (r *Replication) idleLocked() bool {
	for _, dir := range r.directions() {
		if !r.drained[dir] || r.busy[dir] {
			return false
		}
	}
	return true
}

func (r *Replication) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Replication) setBusy(dir meta.Direction, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasActive := r.busy[meta.Push] || r.busy[meta.Pull]
	r.busy[dir] = busy
	isActive := r.busy[meta.Push] || r.busy[meta.Pull]
	if wasActive != isActive {
		r.active.emit(isActive)
	}
	r.opts.Metrics.SetActive(string(dir), busy)
	r.notifyLocked()
}

func (r *Replication) markDrained(dir meta.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drained[dir] = true
	select {
	case <-r.initial:
	default:
		all := true
		for _, d := range r.directions() {
			all = all && r.drained[d]
		}
		if all {
			close(r.initial)
			r.log.Debug("initial replication done")
		}
	}
	r.notifyLocked()
}

func (r *Replication) markPending(dir meta.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained[dir] = false
	r.notifyLocked()
}

func (r *Replication) setRetrying(dir meta.Direction, retrying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrying[dir] = retrying
	r.notifyLocked()
}

// handleFailure publishes err and, unless it is fatal, waits RetryTime or
// until the replication stops. It returns the error when the loop must
// abort.
func (r *Replication) handleFailure(dir meta.Direction, err error) error {
	re := asError(dir, nil, err)
	r.publishError(re)
	r.markPending(dir)

	if re.Code == ErrCodeInvariantViolation {
		r.stop()
		return re
	}

	r.setRetrying(dir, true)
	defer r.setRetrying(dir, false)
	r.opts.Metrics.RecordRetry(string(dir))

	timer := time.NewTimer(r.opts.RetryTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.stopCtx.Done():
	}
	return nil
}

func (r *Replication) publishError(re *Error) {
	switch re.Code {
	case ErrCodeContractViolation:
		r.log.Error("handler contract violation",
			"direction", re.Direction,
			"error", re,
			"contract_violation", true,
		)
	case ErrCodeInvariantViolation:
		r.log.Error("invariant violation", "direction", re.Direction, "error", re)
	default:
		r.log.Warn("replication iteration failed, retrying",
			"direction", re.Direction,
			"code", re.Code,
			"retry_in", r.opts.RetryTime,
			"error", re,
		)
	}
	r.opts.Metrics.RecordError(string(re.Direction), string(re.Code))
	r.errs.emit(re)
}

func (r *Replication) writeContext(dir meta.Direction) string {
	return "replication-" + string(dir) + ":" + r.key
}

// signal performs a non-blocking send; a buffer of 1 coalesces signals.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
