package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/forksync/internal/doc"
)

// Sentinel errors returned by backends.
var (
	// ErrClosed is returned by every operation on a closed instance.
	ErrClosed = errors.New("storage instance is closed")

	// ErrNotFound is returned when a document or collection does not exist.
	ErrNotFound = errors.New("not found")
)

// StatusConflict is the WriteError status of a rejected revisioned write.
const StatusConflict = 409

// WriteRow is one intended mutation: the new document state plus the
// writer's belief about the current state (nil for an insert).
//
// Document.Rev and Document.Meta.LWT are ignored; the instance assigns them.
// Document.Meta.Echo is persisted as given.
type WriteRow struct {
	Document doc.State
	Previous *doc.State
}

// WriteError describes a rejected row.
//
// A Conflict (Status == StatusConflict) is an expected outcome, not a failure:
// DocumentInDB carries the current state so the caller can resolve without
// another read.
type WriteError struct {
	Status       int
	DocumentID   string
	Row          WriteRow
	DocumentInDB *doc.State
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	if e.DocumentInDB != nil {
		return fmt.Sprintf("write %s: status %d (current revision %s)", e.DocumentID, e.Status, e.DocumentInDB.Rev)
	}
	return fmt.Sprintf("write %s: status %d", e.DocumentID, e.Status)
}

// IsConflict reports whether the error is a revision conflict.
func (e *WriteError) IsConflict() bool {
	return e.Status == StatusConflict
}

// BulkWriteResult maps document ids to their accepted state or their error.
// Every input row appears in one of the two maps; an id repeated within one
// call may appear in both.
type BulkWriteResult struct {
	Success map[string]doc.State
	Errors  map[string]*WriteError
}

// Operation is the kind of change a write produced.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEvent is one accepted write.
type ChangeEvent struct {
	Operation  Operation
	DocumentID string
	Document   doc.State
	Previous   *doc.State
}

// EventBulk is the immutable batch of change events produced by one
// BulkWrite call. Checkpoint is the position of the last event.
type EventBulk struct {
	ID         string
	Context    string
	Events     []ChangeEvent
	Checkpoint *Checkpoint
}

// ChangedDocuments is one page of the change feed.
type ChangedDocuments struct {
	Documents  []doc.State
	Checkpoint *Checkpoint
}

// Params identifies the instance to create.
type Params struct {
	DatabaseName   string
	CollectionName string
}

// Instance is one collection inside one storage backend.
//
// Implementations must be safe for concurrent use. Writes to one instance
// are serialized by the backend.
type Instance interface {
	// Params returns the identity the instance was created with.
	Params() Params

	// Token returns the unique token of this instance. It is used as the
	// origin of revisions the instance stamps.
	Token() string

	// BulkWrite applies rows as one unit. writeContext is attached to
	// the resulting EventBulk so subscribers can tell writers apart.
	BulkWrite(ctx context.Context, rows []WriteRow, writeContext string) (BulkWriteResult, error)

	// FindDocumentsByID returns the current states of the given ids, in
	// input order. Missing ids are omitted; tombstones only if includeDeleted.
	FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) ([]doc.State, error)

	// Query returns the states matching q, ordered by id.
	Query(ctx context.Context, q Query) ([]doc.State, error)

	// ChangedDocumentsSince returns up to limit states with (lwt, id) strictly
	// after checkpoint, ascending. The returned checkpoint is the position of
	// the last returned state, or the input checkpoint if nothing matched.
	ChangedDocumentsSince(ctx context.Context, limit int, checkpoint *Checkpoint) (ChangedDocuments, error)

	// Changes subscribes to the live EventBulk feed. Bulks are delivered in
	// commit order. The subscription ends when it is closed or the instance
	// is closed.
	Changes() *Subscription

	// Cleanup permanently removes tombstones whose lwt is older than
	// minRetention. It returns true once no eligible tombstones remain.
	Cleanup(ctx context.Context, minRetention time.Duration) (bool, error)

	// Close releases the instance. Stored data is kept.
	Close() error

	// Remove deletes all stored data of the instance and closes it.
	Remove(ctx context.Context) error
}

// Storage creates instances.
type Storage interface {
	// Name identifies the backend in logs.
	Name() string

	// CreateInstance opens the instance for params, creating it if needed.
	// Instances created for the same params share data.
	CreateInstance(ctx context.Context, params Params) (Instance, error)
}

// Find returns the single current state of id, or ErrNotFound.
func Find(ctx context.Context, in Instance, id string, includeDeleted bool) (doc.State, error) {
	states, err := in.FindDocumentsByID(ctx, []string{id}, includeDeleted)
	if err != nil {
		return doc.State{}, err
	}
	if len(states) == 0 {
		return doc.State{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return states[0], nil
}
