// Package store is the embedded single-file relational engine (spec.md
// §4.2): one *sql.DB per process, WAL mode, foreign keys on, schema
// evolution through an ordered migration list. Concurrent reads are
// supported; concurrent writers serialize behind mu, mirroring the
// teacher's LocalStore locking discipline.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
)

// Store wraps the SQLite connection and the coarse write lock every
// repository acquires before mutating.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at path, applying WAL mode and
// foreign-key enforcement, then runs every pending migration inside its
// own transaction. A partially-applied migration aborts the process with
// a fatal error naming the migration (spec.md §4.2, §4.12).
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Storage(err, "create database directory for %s", path)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Storage(err, "open database %s", path)
	}
	db.SetMaxOpenConns(1) // single writer connection; reads interleave via WAL

	s := &Store{db: db, dbPath: path}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("fatal: migration failed: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("store opened at %s, schema version %d", path, GetSchemaVersion(db))
	return s, nil
}

// DB exposes the underlying connection for repositories in this package
// family. External packages should go through a repository, not DB().
func (s *Store) DB() *sql.DB { return s.db }

// Lock/Unlock/RLock/RUnlock expose the coarse store-wide lock so
// repositories can serialize writes and allow concurrent reads, matching
// the teacher's LocalStore discipline (spec.md §5 "writes to a single
// entity are serialized").
func (s *Store) Lock()    { s.mu.Lock() }
func (s *Store) Unlock()  { s.mu.Unlock() }
func (s *Store) RLock()   { s.mu.RLock() }
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk database path.
func (s *Store) Path() string { return s.dbPath }
