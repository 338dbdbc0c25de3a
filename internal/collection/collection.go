// Package collection is the application-facing side of a fork: conflict-aware
// document writes, the replications that keep it in sync, and tombstone
// cleanup.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/metrics"
	"github.com/roach88/forksync/internal/replication"
	"github.com/roach88/forksync/internal/storage"
)

// ErrClosed is returned by operations on a closed collection.
var ErrClosed = errors.New("collection is closed")

// maxWriteAttempts bounds how often Upsert and Update re-read the current
// state after losing a write race.
const maxWriteAttempts = 5

// Collection owns one fork instance and every replication registered on it.
//
// Close cancels the replications before the instance is closed, so no
// replication ever writes to a closed fork.
type Collection struct {
	databaseName string
	name         string
	in           storage.Instance
	metaStorage  storage.Storage
	metrics      *metrics.Registry
	log          *slog.Logger

	mu           sync.Mutex
	replications []*replication.Replication
	closed       bool
}

// Option configures a Collection.
type Option func(*Collection)

// WithMetaStorage stores replication checkpoints in st instead of the
// collection's own storage.
func WithMetaStorage(st storage.Storage) Option {
	return func(c *Collection) {
		c.metaStorage = st
	}
}

// WithMetrics records writes and replication counters in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Collection) {
		c.metrics = reg
	}
}

// WithLogger sets the logger handed to replications (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(c *Collection) {
		c.log = log
	}
}

// Open creates or opens the collection name of databaseName in st.
func Open(ctx context.Context, st storage.Storage, databaseName, name string, opts ...Option) (*Collection, error) {
	in, err := st.CreateInstance(ctx, storage.Params{DatabaseName: databaseName, CollectionName: name})
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}

	c := &Collection{
		databaseName: databaseName,
		name:         name,
		in:           in,
		metaStorage:  st,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DatabaseName returns the database the collection belongs to.
func (c *Collection) DatabaseName() string { return c.databaseName }

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Instance returns the fork instance.
func (c *Collection) Instance() storage.Instance { return c.in }

// Get returns the current state of id. Deleted documents are reported as
// storage.ErrNotFound.
func (c *Collection) Get(ctx context.Context, id string) (doc.State, error) {
	if err := c.checkOpen(); err != nil {
		return doc.State{}, err
	}
	return storage.Find(ctx, c.in, id, false)
}

// Find returns the documents matching q, ordered by id.
func (c *Collection) Find(ctx context.Context, q storage.Query) ([]doc.State, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.in.Query(ctx, q)
}

// Insert writes a new document. It fails with a *storage.WriteError when a
// live document with the same id exists; a tombstone is replaced.
func (c *Collection) Insert(ctx context.Context, d doc.Document) (doc.State, error) {
	if err := c.checkOpen(); err != nil {
		return doc.State{}, err
	}
	if d.ID == "" {
		return doc.State{}, fmt.Errorf("insert: document id is required")
	}
	return c.write(ctx, storage.WriteRow{Document: doc.NewState(d, nil)})
}

// Upsert writes d whether or not the document exists.
func (c *Collection) Upsert(ctx context.Context, d doc.Document) (doc.State, error) {
	if d.ID == "" {
		return doc.State{}, fmt.Errorf("upsert: document id is required")
	}
	return c.modify(ctx, d.ID, true, func(doc.Document) (doc.Document, error) {
		return d, nil
	})
}

// Update applies fn to the current state of id and writes the result. When
// another writer wins the race, fn runs again on the newer state.
func (c *Collection) Update(ctx context.Context, id string, fn func(doc.Document) (doc.Document, error)) (doc.State, error) {
	return c.modify(ctx, id, false, fn)
}

// Remove deletes id, leaving a tombstone for replication.
func (c *Collection) Remove(ctx context.Context, id string) (doc.State, error) {
	return c.modify(ctx, id, false, func(d doc.Document) (doc.Document, error) {
		d.Deleted = true
		return d, nil
	})
}

// modify runs a read-modify-write cycle on id. With upsert, a missing or
// deleted document is created; otherwise it is storage.ErrNotFound.
func (c *Collection) modify(ctx context.Context, id string, upsert bool, fn func(doc.Document) (doc.Document, error)) (doc.State, error) {
	if err := c.checkOpen(); err != nil {
		return doc.State{}, err
	}

	var prev *doc.State
	if cur, err := storage.Find(ctx, c.in, id, true); err == nil {
		prev = &cur
	} else if !errors.Is(err, storage.ErrNotFound) {
		return doc.State{}, err
	}

	for attempt := 1; ; attempt++ {
		if !upsert && (prev == nil || prev.Deleted) {
			return doc.State{}, fmt.Errorf("update %s: %w", id, storage.ErrNotFound)
		}

		var base doc.Document
		if prev != nil {
			base = prev.Document.Clone()
		} else {
			base = doc.Document{ID: id}
		}
		next, err := fn(base)
		if err != nil {
			return doc.State{}, err
		}
		next.ID = id

		s, err := c.write(ctx, storage.WriteRow{Document: doc.NewState(next, prev), Previous: prev})
		var werr *storage.WriteError
		if !errors.As(err, &werr) || !werr.IsConflict() || attempt == maxWriteAttempts {
			return s, err
		}
		prev = werr.DocumentInDB
	}
}

func (c *Collection) write(ctx context.Context, row storage.WriteRow) (doc.State, error) {
	res, err := c.in.BulkWrite(ctx, []storage.WriteRow{row}, "collection:"+c.name)
	if err != nil {
		return doc.State{}, err
	}
	c.metrics.RecordWrites(len(res.Success), len(res.Errors))

	id := row.Document.ID
	if werr, ok := res.Errors[id]; ok {
		return doc.State{}, werr
	}
	return res.Success[id], nil
}

// Replicate registers a replication of this collection. Fork and
// MetaStorage are set by the collection; Logger and Metrics default to the
// collection's. With AutoStart the replication is started before Replicate
// returns.
func (c *Collection) Replicate(ctx context.Context, opts replication.Options) (*replication.Replication, error) {
	opts.Fork = c.in
	opts.MetaStorage = c.metaStorage
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}

	r, err := replication.New(opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.replications = append(c.replications, r)
	c.mu.Unlock()

	if r.AutoStart() {
		if err := r.Start(ctx); err != nil {
			return nil, fmt.Errorf("start replication %s: %w", opts.Identifier, err)
		}
	}
	return r, nil
}

// Replications returns the registered replications in registration order.
func (c *Collection) Replications() []*replication.Replication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*replication.Replication(nil), c.replications...)
}

// Cleanup removes tombstones older than minRetention. It first waits until
// every replication is in sync, so no deletion is dropped before it was
// pushed.
func (c *Collection) Cleanup(ctx context.Context, minRetention time.Duration) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	for _, r := range c.Replications() {
		if err := r.AwaitInSync(ctx); err != nil {
			return false, fmt.Errorf("cleanup: replication %s: %w", r.Identifier(), err)
		}
	}
	return c.in.Cleanup(ctx, minRetention)
}

// Close cancels every replication, then closes the fork instance. The
// errors of all cancellations are joined.
func (c *Collection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	replications := c.replications
	c.replications = nil
	c.mu.Unlock()

	var errs []error
	for _, r := range replications {
		if err := r.Cancel(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cancel replication %s: %w", r.Identifier(), err))
		}
	}
	if err := c.in.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Collection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
