package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/repopulse/repopulse/internal/storage"
)

// Verify tx implements storage.Transaction at compile time
var _ storage.Transaction = (*tx)(nil)

// tx implements storage.Transaction over a dedicated connection with an
// active transaction.
type tx struct {
	conn   *sql.Conn
	parent *Store
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// avoiding deadlocks when multiple goroutines compete for it. On error or
// panic the transaction is rolled back; partial state never persists.
func (s *Store) RunInTransaction(ctx context.Context, fn func(t storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&tx{conn: conn, parent: s}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying with
// exponential backoff when the database is busy.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, initialDelay time.Duration) error {
	delay := initialDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
