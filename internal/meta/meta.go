// Package meta stores the bookkeeping of one replication identity: the push
// and pull checkpoints and the assumed master state of every replicated
// document.
//
// The store is itself a storage instance, written alongside the fork but not
// atomically with it. Every write is an idempotent upsert, so after a crash
// the store may lag the fork and replication simply redoes the lost work.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// Direction names one half of a replication.
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// Row id prefixes. The separator cannot appear in a direction name.
const (
	checkpointPrefix = "checkpoint|"
	documentPrefix   = "doc|"
)

// writeAttempts bounds the upsert retries when another writer raced us.
const writeAttempts = 3

// AssumedMaster is the last known master state of one document.
type AssumedMaster struct {
	// Document is the master state as of the last successful push or pull.
	Document doc.Document

	// Checkpoint is the push or pull checkpoint of the batch that last
	// synced the document.
	Checkpoint json.RawMessage

	// ResolvedConflictRev is set when the fork holds a merged conflict
	// resolution at this revision that the master has not seen yet. Push
	// must send the fork document at this revision even though it differs
	// from Document.
	ResolvedConflictRev doc.Revision
}

// Store is the meta store of one replication identity.
//
// Thread-safety: Store is safe for concurrent use. Writes are serialized so
// push and pull bookkeeping never interleave inside one upsert.
type Store struct {
	in  storage.Instance
	key string

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// CollectionName returns the name of the meta collection for an identity key.
func CollectionName(key string) string {
	return "forksync-meta-" + key
}

// Open creates or opens the meta store of the identity
// (databaseName, collectionName, identifier) inside st.
func Open(ctx context.Context, st storage.Storage, databaseName, collectionName, identifier string) (*Store, error) {
	key := doc.IdentityKey(databaseName, collectionName, identifier)
	in, err := st.CreateInstance(ctx, storage.Params{
		DatabaseName:   databaseName,
		CollectionName: CollectionName(key),
	})
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	return &Store{in: in, key: key}, nil
}

// Key returns the identity key the store is bound to.
func (s *Store) Key() string {
	return s.key
}

// begin registers an in-flight operation. It fails once Close has started.
func (s *Store) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

// Checkpoint returns the stored checkpoint of dir, or nil if the direction
// never completed a batch.
func (s *Store) Checkpoint(ctx context.Context, dir Direction) (json.RawMessage, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	states, err := s.in.FindDocumentsByID(ctx, []string{checkpointPrefix + string(dir)}, false)
	if err != nil {
		return nil, fmt.Errorf("read %s checkpoint: %w", dir, err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	raw, _ := states[0].Data["checkpoint"].(string)
	if raw == "" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// SetCheckpoint stores the checkpoint of dir. A nil checkpoint is ignored,
// so a direction never moves back to "from the beginning".
func (s *Store) SetCheckpoint(ctx context.Context, dir Direction, checkpoint json.RawMessage) error {
	if len(checkpoint) == 0 {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}
	defer s.inflight.Done()

	row := doc.Document{
		ID:   checkpointPrefix + string(dir),
		Data: doc.Data{"checkpoint": string(checkpoint)},
	}
	if err := s.upsert(ctx, []doc.Document{row}); err != nil {
		return fmt.Errorf("write %s checkpoint: %w", dir, err)
	}
	return nil
}

// AssumedMasters returns the assumed master states known for ids. Ids never
// replicated are absent from the result.
func (s *Store) AssumedMasters(ctx context.Context, ids []string) (map[string]AssumedMaster, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	rowIDs := make([]string, len(ids))
	for i, id := range ids {
		rowIDs[i] = documentPrefix + id
	}
	states, err := s.in.FindDocumentsByID(ctx, rowIDs, false)
	if err != nil {
		return nil, fmt.Errorf("read assumed master states: %w", err)
	}

	out := make(map[string]AssumedMaster, len(states))
	for _, st := range states {
		id := strings.TrimPrefix(st.ID, documentPrefix)
		am, err := decodeAssumedMaster(id, st.Data)
		if err != nil {
			return nil, err
		}
		out[id] = am
	}
	return out, nil
}

// PutAssumedMasters stores the given assumed master states, keyed by their
// document id.
func (s *Store) PutAssumedMasters(ctx context.Context, masters []AssumedMaster) error {
	if len(masters) == 0 {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}
	defer s.inflight.Done()

	rows := make([]doc.Document, len(masters))
	for i, am := range masters {
		rows[i] = encodeAssumedMaster(am)
	}
	if err := s.upsert(ctx, rows); err != nil {
		return fmt.Errorf("write assumed master states: %w", err)
	}
	return nil
}

// upsert writes rows over whatever is stored, retrying rows that conflict
// with a concurrent writer against the state reported in the conflict.
func (s *Store) upsert(ctx context.Context, rows []doc.Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	current, err := s.in.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return err
	}
	previous := make(map[string]doc.State, len(current))
	for _, st := range current {
		previous[st.ID] = st
	}

	pending := rows
	for attempt := 0; attempt < writeAttempts && len(pending) > 0; attempt++ {
		writes := make([]storage.WriteRow, len(pending))
		for i, r := range pending {
			w := storage.WriteRow{Document: doc.State{Document: r}}
			if prev, ok := previous[r.ID]; ok {
				w.Previous = &prev
			}
			writes[i] = w
		}

		res, err := s.in.BulkWrite(ctx, writes, "forksync-meta")
		if err != nil {
			return err
		}

		var retry []doc.Document
		for _, r := range pending {
			werr, failed := res.Errors[r.ID]
			if !failed {
				continue
			}
			if !werr.IsConflict() || werr.DocumentInDB == nil {
				return werr
			}
			previous[r.ID] = *werr.DocumentInDB
			retry = append(retry, r)
		}
		pending = retry
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d rows still conflicting after %d attempts", len(pending), writeAttempts)
	}
	return nil
}

// Close waits for in-flight reads and writes, then closes the instance.
// Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	return s.in.Close()
}

// Remove deletes the checkpoints and every assumed master state, then
// closes the store.
func (s *Store) Remove(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	if err := s.in.Remove(ctx); err != nil {
		return fmt.Errorf("remove meta store: %w", err)
	}
	return nil
}

func encodeAssumedMaster(am AssumedMaster) doc.Document {
	data := doc.Data{
		"deleted": am.Document.Deleted,
	}
	if am.Document.Data != nil {
		data["data"] = map[string]any(am.Document.Data.Clone())
	}
	if !am.ResolvedConflictRev.IsZero() {
		data["resolvedConflictRev"] = am.ResolvedConflictRev.String()
	}
	if len(am.Checkpoint) > 0 {
		data["checkpoint"] = string(am.Checkpoint)
	}
	return doc.Document{ID: documentPrefix + am.Document.ID, Data: data}
}

func decodeAssumedMaster(id string, data doc.Data) (AssumedMaster, error) {
	am := AssumedMaster{Document: doc.Document{ID: id}}
	am.Document.Deleted, _ = data["deleted"].(bool)

	switch payload := data["data"].(type) {
	case nil:
	case map[string]any:
		am.Document.Data = doc.Data(payload).Clone()
	case doc.Data:
		am.Document.Data = payload.Clone()
	default:
		return AssumedMaster{}, fmt.Errorf("assumed master state of %s: unexpected payload type %T", id, payload)
	}

	if rev, _ := data["resolvedConflictRev"].(string); rev != "" {
		parsed, err := doc.ParseRevision(rev)
		if err != nil {
			return AssumedMaster{}, fmt.Errorf("assumed master state of %s: %w", id, err)
		}
		am.ResolvedConflictRev = parsed
	}
	if cp, _ := data["checkpoint"].(string); cp != "" {
		am.Checkpoint = json.RawMessage(cp)
	}
	return am, nil
}
