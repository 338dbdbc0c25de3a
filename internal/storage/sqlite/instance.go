package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// maxParams bounds the number of ids bound into one IN (...) clause.
const maxParams = 500

// cleanupBatch bounds the tombstones one Cleanup call deletes.
const cleanupBatch = 1000

// CreateInstance implements storage.Storage.
func (s *Storage) CreateInstance(ctx context.Context, params storage.Params) (storage.Instance, error) {
	if params.CollectionName == "" {
		return nil, fmt.Errorf("create instance: empty collection name")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (name, database_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, params.CollectionName, params.DatabaseName, time.Now().UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	var databaseName string
	err = s.db.QueryRowContext(ctx, `SELECT database_name FROM collections WHERE name = ?`, params.CollectionName).Scan(&databaseName)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	if databaseName != params.DatabaseName {
		return nil, fmt.Errorf("create instance: collection %q belongs to database %q, not %q",
			params.CollectionName, databaseName, params.DatabaseName)
	}

	return &Instance{
		s:      s,
		params: params,
		token:  uuid.NewString(),
	}, nil
}

// Instance is one collection inside a SQLite file.
type Instance struct {
	s      *Storage
	params storage.Params
	token  string

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
//
// Current states are read and the categorized result written inside one
// transaction.
func (in *Instance) BulkWrite(ctx context.Context, rows []storage.WriteRow, writeContext string) (storage.BulkWriteResult, error) {
	if err := in.checkOpen(); err != nil {
		return storage.BulkWriteResult{}, err
	}

	in.s.writeMu.Lock()
	defer in.s.writeMu.Unlock()

	tx, err := in.s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BulkWriteResult{}, fmt.Errorf("bulk write: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Document.ID)
	}
	current, err := readStates(ctx, tx, in.params.CollectionName, ids)
	if err != nil {
		return storage.BulkWriteResult{}, fmt.Errorf("bulk write: %w", err)
	}
	inDB := make(map[string]doc.State, len(current))
	for _, s := range current {
		inDB[s.ID] = s
	}

	cat := storage.CategorizeBulkWrite(in.token, inDB, rows, in.s.clock, uuid.Must(uuid.NewV7()).String(), writeContext)

	if len(cat.Writes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO documents (collection, id, data, deleted, rev, lwt, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				data = excluded.data,
				deleted = excluded.deleted,
				rev = excluded.rev,
				lwt = excluded.lwt,
				meta = excluded.meta
		`)
		if err != nil {
			return storage.BulkWriteResult{}, fmt.Errorf("bulk write: prepare: %w", err)
		}
		defer stmt.Close()

		for _, s := range cat.Writes {
			dataJSON, metaJSON, err := marshalState(s)
			if err != nil {
				return storage.BulkWriteResult{}, fmt.Errorf("bulk write %s: %w", s.ID, err)
			}
			_, err = stmt.ExecContext(ctx,
				in.params.CollectionName,
				s.ID,
				dataJSON,
				s.Deleted,
				s.Rev.String(),
				s.Meta.LWT,
				metaJSON,
			)
			if err != nil {
				return storage.BulkWriteResult{}, fmt.Errorf("bulk write %s: %w", s.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.BulkWriteResult{}, fmt.Errorf("bulk write: commit: %w", err)
	}

	in.s.feed(in.params.CollectionName).Publish(cat.Bulk)
	return cat.Result, nil
}

// FindDocumentsByID implements storage.Instance.
func (in *Instance) FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) ([]doc.State, error) {
	if err := in.checkOpen(); err != nil {
		return nil, err
	}

	states, err := readStates(ctx, in.s.db, in.params.CollectionName, ids)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	byID := make(map[string]doc.State, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}

	out := make([]doc.State, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok || (s.Deleted && !includeDeleted) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Query implements storage.Instance.
func (in *Instance) Query(ctx context.Context, q storage.Query) ([]doc.State, error) {
	if err := in.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, data, deleted, rev, lwt, meta
		FROM documents
		WHERE collection = ?`
	if !q.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := in.s.db.QueryContext(ctx, query, in.params.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	matched := []doc.State{}
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		if q.Matches(s) {
			matched = append(matched, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

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

	var (
		rows *sql.Rows
		err  error
	)
	if checkpoint == nil {
		rows, err = in.s.db.QueryContext(ctx, `
			SELECT id, data, deleted, rev, lwt, meta
			FROM documents
			WHERE collection = ?
			ORDER BY lwt ASC, id COLLATE BINARY ASC
			LIMIT ?
		`, in.params.CollectionName, limit)
	} else {
		rows, err = in.s.db.QueryContext(ctx, `
			SELECT id, data, deleted, rev, lwt, meta
			FROM documents
			WHERE collection = ?
			  AND (lwt > ? OR (lwt = ? AND id > ?))
			ORDER BY lwt ASC, id COLLATE BINARY ASC
			LIMIT ?
		`, in.params.CollectionName, checkpoint.LWT, checkpoint.LWT, checkpoint.ID, limit)
	}
	if err != nil {
		return storage.ChangedDocuments{}, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	out := storage.ChangedDocuments{Documents: []doc.State{}, Checkpoint: checkpoint}
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return storage.ChangedDocuments{}, err
		}
		out.Documents = append(out.Documents, s)
	}
	if err := rows.Err(); err != nil {
		return storage.ChangedDocuments{}, fmt.Errorf("iterate changes: %w", err)
	}

	if n := len(out.Documents); n > 0 {
		cp := storage.CheckpointOf(out.Documents[n-1])
		out.Checkpoint = &cp
	}
	return out, nil
}

// Changes implements storage.Instance.
//
// Only writes made through this Storage value are observed; another process
// writing the same file does not produce events here.
func (in *Instance) Changes() *storage.Subscription {
	sub := in.s.feed(in.params.CollectionName).Subscribe()

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

	in.s.writeMu.Lock()
	defer in.s.writeMu.Unlock()

	res, err := in.s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE collection = ? AND id IN (
			SELECT id FROM documents
			WHERE collection = ? AND deleted = 1 AND lwt < ?
			ORDER BY lwt ASC
			LIMIT ?
		)
	`, in.params.CollectionName, in.params.CollectionName, cutoff, cleanupBatch)
	if err != nil {
		return false, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cleanup: rows affected: %w", err)
	}
	return n < cleanupBatch, nil
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

	in.s.writeMu.Lock()
	err := removeCollection(ctx, in.s.db, in.params.CollectionName)
	in.s.writeMu.Unlock()
	if err != nil {
		return err
	}

	in.s.dropFeed(in.params.CollectionName)
	return in.Close()
}

func removeCollection(ctx context.Context, db *sql.DB, collection string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("remove documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("remove collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove: commit: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// readStates returns the stored states of ids (tombstones included), in no
// particular order.
func readStates(ctx context.Context, q querier, collection string, ids []string) ([]doc.State, error) {
	out := make([]doc.State, 0, len(ids))
	for start := 0; start < len(ids); start += maxParams {
		chunk := ids[start:min(start+maxParams, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, collection)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := q.QueryContext(ctx, `
			SELECT id, data, deleted, rev, lwt, meta
			FROM documents
			WHERE collection = ? AND id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("read states: %w", err)
		}

		for rows.Next() {
			s, err := scanState(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, s)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate states: %w", err)
		}
	}
	return out, nil
}
