package sqlite

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// readRetryBase is the first backoff step after a read hits a transient
// lock. The single retry waits base plus up to base of jitter.
const readRetryBase = 25 * time.Millisecond

// readRetry runs an idempotent read, retrying once when SQLite reports the
// database busy or locked. Reads inside a transaction never retry: the
// transaction may already be poisoned, and the caller's WithinTx owns the
// outcome. Writes do not go through here.
func (s *Store) readRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || ctx.Value(txKey{}) != nil || !transientLock(err) {
		return err
	}

	delay := readRetryBase + rand.N(readRetryBase)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return fn()
}

// transientLock reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// ignoring extended result bits.
func transientLock(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
