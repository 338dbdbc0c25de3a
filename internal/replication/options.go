package replication

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/forksync/internal/conflict"
	"github.com/roach88/forksync/internal/metrics"
	"github.com/roach88/forksync/internal/storage"
)

const (
	// DefaultRetryTime is the wait between a failed iteration and its retry.
	DefaultRetryTime = 5 * time.Second

	// DefaultBatchSize is the number of documents per push or pull call.
	DefaultBatchSize = 100

	// DefaultEventBuffer is the capacity of each lifecycle event channel.
	DefaultEventBuffer = 1024
)

// PullOptions configures the pull direction.
type PullOptions struct {
	Handler PullHandler

	// BatchSize overrides Options.BatchSize for pull.
	BatchSize int

	// Modifier is applied to every pulled document before it is compared
	// with the fork.
	Modifier Modifier

	// Stream delivers live master changes. When nil, a live replication
	// pulls again only on ReSync.
	Stream <-chan PullStreamEvent
}

// PushOptions configures the push direction.
type PushOptions struct {
	Handler PushHandler

	// BatchSize overrides Options.BatchSize for push.
	BatchSize int

	// Modifier is applied to every fork document before it is sent.
	Modifier Modifier
}

// Options configures a Replication.
type Options struct {
	// Identifier names the replication. Together with the fork's database
	// and collection name it keys the stored checkpoints.
	Identifier string

	// Fork is the local instance being replicated.
	Fork storage.Instance

	// MetaStorage holds the meta store. It may be the fork's storage.
	MetaStorage storage.Storage

	// Pull and Push enable the two directions. At least one is required.
	Pull *PullOptions
	Push *PushOptions

	// Live keeps the replication running after the initial sync. A
	// non-live replication stops once both directions are drained.
	Live bool

	// RetryTime is the wait after a failed iteration (default: 5s).
	RetryTime time.Duration

	// BatchSize is the default batch size of both directions (default: 100).
	BatchSize int

	// ConflictHandler resolves push conflicts (default: conflict.MasterWins).
	ConflictHandler conflict.Handler

	// Leadership decides whether this instance may drive the identity.
	// When set and not leader, Start blocks until promotion if
	// WaitForLeadership is true and fails with ErrNotLeader otherwise.
	// Without a Leadership, Start runs at once.
	WaitForLeadership bool
	Leadership        Leadership

	// EventBuffer is the capacity of each event channel (default: 1024).
	// Events emitted while a channel is full are dropped.
	EventBuffer int

	// AutoStart is honored by owners such as collection.Collection, which
	// start the replication as soon as it is registered.
	AutoStart bool

	// Logger receives lifecycle and error logs (default: slog.Default()).
	Logger *slog.Logger

	// Metrics records replication counters. Nil disables metrics.
	Metrics *metrics.Registry
}

// validate checks required fields and applies defaults.
func (o *Options) validate() error {
	if o.Identifier == "" {
		return fmt.Errorf("replication identifier is required")
	}
	if o.Fork == nil {
		return fmt.Errorf("fork instance is required")
	}
	if o.MetaStorage == nil {
		return fmt.Errorf("meta storage is required")
	}
	if o.Pull == nil && o.Push == nil {
		return fmt.Errorf("at least one of pull or push is required")
	}
	if o.Pull != nil && o.Pull.Handler == nil {
		return fmt.Errorf("pull handler is required")
	}
	if o.Push != nil && o.Push.Handler == nil {
		return fmt.Errorf("push handler is required")
	}
	if o.RetryTime < 0 || o.BatchSize < 0 || o.EventBuffer < 0 {
		return fmt.Errorf("retry time, batch size and event buffer must not be negative")
	}

	// Defaults must not leak into the caller's structs.
	if o.Pull != nil {
		pull := *o.Pull
		o.Pull = &pull
	}
	if o.Push != nil {
		push := *o.Push
		o.Push = &push
	}

	if o.RetryTime == 0 {
		o.RetryTime = DefaultRetryTime
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Pull != nil && o.Pull.BatchSize <= 0 {
		o.Pull.BatchSize = o.BatchSize
	}
	if o.Push != nil && o.Push.BatchSize <= 0 {
		o.Push.BatchSize = o.BatchSize
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.ConflictHandler == nil {
		o.ConflictHandler = conflict.MasterWins
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
