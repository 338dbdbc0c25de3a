// Package sqlite is the durable storage backend.
//
// All collections of one database live in a single SQLite file:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: documents belong to a registered collection
//   - One open connection: SQLite supports one writer at a time
//
// Change-feed queries always ORDER BY lwt ASC, id ASC COLLATE BINARY so the
// tie-break matches Go's byte-wise string order.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/forksync/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added tombstone index for Cleanup
const currentSchemaVersion = 1

// Storage is a SQLite file holding any number of collections.
type Storage struct {
	db    *sql.DB
	path  string
	clock storage.Timestamper

	// writeMu serializes BulkWrite transactions together with the publish
	// of their EventBulk, so feeds deliver in commit order.
	writeMu sync.Mutex

	feedsMu sync.Mutex
	feeds   map[string]*storage.ChangeFeed
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the lwt clock (default: storage.ProcessClock()).
func WithClock(c storage.Timestamper) Option {
	return func(s *Storage) {
		s.clock = c
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Storage{
		db:    db,
		path:  path,
		feeds: make(map[string]*storage.ChangeFeed),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		// Stored lwt values may be ahead of this process's clock, e.g.
		// after the wall clock was set back.
		var maxLWT sql.NullInt64
		if err := db.QueryRow("SELECT MAX(lwt) FROM documents").Scan(&maxLWT); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to read max lwt: %w", err)
		}
		clock := storage.ProcessClock()
		if maxLWT.Valid {
			clock.Observe(maxLWT.Int64)
		}
		s.clock = clock
	}

	return s, nil
}

// Name implements storage.Storage.
func (s *Storage) Name() string {
	return "sqlite"
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.path
}

// Close closes every change feed and the database connection.
// Instances created from s must not be used afterwards.
func (s *Storage) Close() error {
	s.feedsMu.Lock()
	for name, feed := range s.feeds {
		feed.Close()
		delete(s.feeds, name)
	}
	s.feedsMu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Collections lists the collections stored in the file, ordered by name.
func (s *Storage) Collections(ctx context.Context) ([]storage.Params, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT database_name, name
		FROM collections
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	out := []storage.Params{}
	for rows.Next() {
		var p storage.Params
		if err := rows.Scan(&p.DatabaseName, &p.CollectionName); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

func (s *Storage) feed(collection string) *storage.ChangeFeed {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	f, ok := s.feeds[collection]
	if !ok {
		f = storage.NewChangeFeed()
		s.feeds[collection] = f
	}
	return f
}

func (s *Storage) dropFeed(collection string) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if f, ok := s.feeds[collection]; ok {
		f.Close()
		delete(s.feeds, collection)
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the index Cleanup uses to find expired tombstones.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_tombstones
		ON documents(collection, deleted, lwt)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Storage) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
