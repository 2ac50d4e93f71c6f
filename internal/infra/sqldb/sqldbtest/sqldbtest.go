// Package sqldbtest opens throwaway SQLite stores for tests.
package sqldbtest

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"distributed-repeater/internal/infra/sqldb"
)

// DSN returns a file DSN under dir with the pragmas the engine expects from
// SQLite: a busy timeout so that writers queue instead of failing at once,
// WAL so that readers do not block writers, and immediate transactions so
// that a write lock is taken at BEGIN.
func DSN(dir string) string {
	return "file:" + filepath.Join(dir, "repeater.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate"
}

// Open returns an installed SQLite store that is closed with the test.
func Open(tb testing.TB, prefix string) *sqldb.DB {
	return OpenDialect(tb, sqldb.SQLite{}, prefix)
}

// OpenDialect is Open with a custom dialect, typically one embedding
// sqldb.SQLite to change how errors are classified.
func OpenDialect(tb testing.TB, dialect sqldb.Dialect, prefix string) *sqldb.DB {
	tb.Helper()

	raw, err := sql.Open("sqlite", DSN(tb.TempDir()))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	db := sqldb.New(raw, dialect, prefix)
	tb.Cleanup(func() { _ = db.Close() })

	if err := db.Install(context.Background()); err != nil {
		tb.Fatalf("install schema: %v", err)
	}
	return db
}

// Count returns the number of rows of a logical table.
func Count(tb testing.TB, db *sqldb.DB, table string) int {
	tb.Helper()
	var n int
	if err := db.Session().QueryRow(context.Background(), "SELECT COUNT(*) FROM "+db.Table(table)).Scan(&n); err != nil {
		tb.Fatalf("count %s: %v", table, err)
	}
	return n
}

// Aggregated returns the value and expiry (Unix ms, 0 when NULL) of an
// aggregated counter, and whether the key exists.
func Aggregated(tb testing.TB, db *sqldb.DB, key string) (value int64, expireAt int64, ok bool) {
	tb.Helper()
	var exp sql.NullInt64
	err := db.Session().QueryRow(context.Background(),
		`SELECT "value", "expire_at" FROM `+db.Table("aggregated_counter")+` WHERE "key" = ?`, key).
		Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false
	}
	if err != nil {
		tb.Fatalf("read aggregated counter %s: %v", key, err)
	}
	return value, exp.Int64, true
}
