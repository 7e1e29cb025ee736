// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	// Import SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/types"
)

// DefaultPoolSize bounds the shared connection pool when the caller does
// not configure one.
const DefaultPoolSize = 20

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store implements the storage interface using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	// defaultWindowHours supplies the fallback activity window for
	// workspaces created without an explicit setting. Nil means the
	// built-in default.
	defaultWindowHours func() int
}

// SetDefaultActivityWindowHours installs the fallback activity window
// provider. It is consulted on every workspace create, so a hot-reloaded
// config value takes effect without a restart.
func (s *Store) SetDefaultActivityWindowHours(fn func() int) {
	s.defaultWindowHours = fn
}

func (s *Store) defaultWindow() int {
	if s.defaultWindowHours != nil {
		if h := s.defaultWindowHours(); h > 0 {
			return h
		}
	}
	return types.DefaultActivityWindowHours
}

// New creates a new SQLite storage backend. poolSize <= 0 selects the
// default pool size. Pass ":memory:" for an ephemeral database (tests).
func New(ctx context.Context, path string, poolSize int) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if path == ":memory:" {
		connStr = "file::memory:?_foreign_keys=on&_busy_timeout=30000&_loc=UTC"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_foreign_keys") {
			connStr += "&_foreign_keys=on&_busy_timeout=30000&_loc=UTC"
		}
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_foreign_keys=on&_busy_timeout=30000&_loc=UTC"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// SQLite in-memory databases are isolated per connection; force a
		// single connection so all transactions see the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if poolSize <= 0 {
			poolSize = DefaultPoolSize
		}
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		// WAL supports one writer plus concurrent readers.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}
