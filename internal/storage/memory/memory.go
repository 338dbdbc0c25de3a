// Package memory is the reference in-memory storage backend.
//
// Instances created from the same Storage for the same Params share their
// documents and change feed, so a reopened instance sees earlier writes for
// as long as the Storage value lives.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// Storage creates in-memory instances.
type Storage struct {
	mu          sync.Mutex
	clock       storage.Timestamper
	collections map[storage.Params]*collection
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the lwt clock (default: storage.ProcessClock()).
func WithClock(c storage.Timestamper) Option {
	return func(s *Storage) {
		s.clock = c
	}
}

// New creates an empty Storage.
func New(opts ...Option) *Storage {
	s := &Storage{
		clock:       storage.ProcessClock(),
		collections: make(map[storage.Params]*collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// collection is the state shared by all instances of one Params.
type collection struct {
	mu   sync.RWMutex
	docs map[string]doc.State
	feed *storage.ChangeFeed
}

// Name implements storage.Storage.
func (s *Storage) Name() string {
	return "memory"
}

// CreateInstance implements storage.Storage.
func (s *Storage) CreateInstance(ctx context.Context, params storage.Params) (storage.Instance, error) {
	if params.CollectionName == "" {
		return nil, fmt.Errorf("create instance: empty collection name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[params]
	if !ok {
		c = &collection{
			docs: make(map[string]doc.State),
			feed: storage.NewChangeFeed(),
		}
		s.collections[params] = c
	}

	return &Instance{
		storage: s,
		params:  params,
		token:   uuid.NewString(),
		c:       c,
	}, nil
}

func (s *Storage) drop(params storage.Params, c *collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[params] == c {
		delete(s.collections, params)
	}
}

// Instance is one in-memory collection.
type Instance struct {
	storage *Storage
	params  storage.Params
	token   string
	c       *collection

	mu     sync.Mutex
	closed bool
	subs   []*storage.Subscription
}

var _ storage.Instance = (*Instance)(nil)

// Params implements storage.Instance.
func (in *Instance) Params() storage.Params {
	return in.params
}

// Token implements storage.Instance.
func (in *Instance) Token() string {
	return in.token
}

func (in *Instance) checkOpen() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return storage.ErrClosed
	}
	return nil
}

// BulkWrite implements storage.Instance.
func (in *Instance) BulkWrite(ctx context.Context, rows []storage.WriteRow, writeContext string) (storage.BulkWriteResult, error) {
	if err := in.checkOpen(); err != nil {
		return storage.BulkWriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.BulkWriteResult{}, err
	}

	in.c.mu.Lock()
	defer in.c.mu.Unlock()

	inDB := make(map[string]doc.State, len(rows))
	for _, row := range rows {
		if s, ok := in.c.docs[row.Document.ID]; ok {
			inDB[row.Document.ID] = s
		}
	}

	cat := storage.CategorizeBulkWrite(in.token, inDB, rows, in.storage.clock, uuid.Must(uuid.NewV7()).String(), writeContext)
	for _, s := range cat.Writes {
		in.c.docs[s.ID] = s.Clone()
	}
	in.c.feed.Publish(cat.Bulk)

	return cat.Result, nil
}

// FindDocumentsByID implements storage.Instance.
func (in *Instance) FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) ([]doc.State, error) {
	if err := in.checkOpen(); err != nil {
		return nil, err
	}

	in.c.mu.RLock()
	defer in.c.mu.RUnlock()

	out := make([]doc.State, 0, len(ids))
	for _, id := range ids {
		s, ok := in.c.docs[id]
		if !ok || (s.Deleted && !includeDeleted) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

// Query implements storage.Instance.
func (in *Instance) Query(ctx context.Context, q storage.Query) ([]doc.State, error) {
	if err := in.checkOpen(); err != nil {
		return nil, err
	}

	in.c.mu.RLock()
	matched := make([]doc.State, 0)
	for _, s := range in.c.docs {
		if q.Matches(s) {
			matched = append(matched, s.Clone())
		}
	}
	in.c.mu.RUnlock()

	slices.SortFunc(matched, func(a, b doc.State) int {
		return strings.Compare(a.ID, b.ID)
	})
	return q.Page(matched), nil
}

// ChangedDocumentsSince implements storage.Instance.
func (in *Instance) ChangedDocumentsSince(ctx context.Context, limit int, checkpoint *storage.Checkpoint) (storage.ChangedDocuments, error) {
	if err := in.checkOpen(); err != nil {
		return storage.ChangedDocuments{}, err
	}
	if limit <= 0 {
		return storage.ChangedDocuments{}, fmt.Errorf("changed documents: limit must be positive, got %d", limit)
	}

	in.c.mu.RLock()
	changed := make([]doc.State, 0)
	for _, s := range in.c.docs {
		if storage.After(s, checkpoint) {
			changed = append(changed, s)
		}
	}
	in.c.mu.RUnlock()

	slices.SortFunc(changed, func(a, b doc.State) int {
		return storage.CheckpointOf(a).Compare(storage.CheckpointOf(b))
	})
	if len(changed) > limit {
		changed = changed[:limit]
	}

	out := storage.ChangedDocuments{Documents: make([]doc.State, len(changed)), Checkpoint: checkpoint}
	for i, s := range changed {
		out.Documents[i] = s.Clone()
	}
	if n := len(changed); n > 0 {
		cp := storage.CheckpointOf(changed[n-1])
		out.Checkpoint = &cp
	}
	return out, nil
}

// Changes implements storage.Instance.
func (in *Instance) Changes() *storage.Subscription {
	sub := in.c.feed.Subscribe()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		sub.Close()
		return sub
	}
	in.subs = append(in.subs, sub)
	return sub
}

// Cleanup implements storage.Instance.
func (in *Instance) Cleanup(ctx context.Context, minRetention time.Duration) (bool, error) {
	if err := in.checkOpen(); err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-minRetention).UnixMicro()

	in.c.mu.Lock()
	defer in.c.mu.Unlock()
	for id, s := range in.c.docs {
		if s.Deleted && s.Meta.LWT < cutoff {
			delete(in.c.docs, id)
		}
	}
	return true, nil
}

// Close implements storage.Instance.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	for _, sub := range in.subs {
		sub.Close()
	}
	in.subs = nil
	return nil
}

// Remove implements storage.Instance.
func (in *Instance) Remove(ctx context.Context) error {
	if err := in.checkOpen(); err != nil {
		return err
	}

	in.c.mu.Lock()
	in.c.docs = make(map[string]doc.State)
	in.c.mu.Unlock()

	in.storage.drop(in.params, in.c)
	in.c.feed.Close()
	return in.Close()
}
