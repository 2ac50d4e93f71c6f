package sqldb

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is the dialect for modernc.org/sqlite. SQLite has no row locks, so
// BUSY and LOCKED are what concurrent writers observe and are retried the way
// deadlocks are on server engines.
type SQLite struct{}

func (SQLite) Name() string               { return "sqlite" }
func (SQLite) DriverName() string         { return "sqlite" }
func (SQLite) Quote(ident string) string  { return quoteWith(ident, `"`) }
func (SQLite) Rebind(query string) string { return query }
func (SQLite) ForUpdate() string          { return "" }

func (SQLite) IsDeadlock(err error) bool {
	code, ok := sqlitePrimaryCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

func (SQLite) IsDuplicate(err error) bool {
	code, ok := sqlitePrimaryCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT
}

func sqlitePrimaryCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	// Extended result codes keep the primary code in the low byte.
	return se.Code() & 0xff, true
}

func (d SQLite) AggregateCountersSQL(aggregated, counter, in string) string {
	q := d.Quote
	return fmt.Sprintf(`INSERT INTO %[1]s (%[3]s, %[4]s, %[5]s)
SELECT %[3]s, SUM(%[4]s), MAX(%[5]s)
FROM %[2]s WHERE %[6]s IN (%[7]s) GROUP BY %[3]s
ON CONFLICT (%[3]s) DO UPDATE SET
	%[4]s = %[4]s + excluded.%[4]s,
	%[5]s = MAX(COALESCE(%[5]s, excluded.%[5]s), COALESCE(excluded.%[5]s, %[5]s))`,
		aggregated, counter, q("key"), q("value"), q("expire_at"), q("id"), in)
}

func (d SQLite) Schema(prefix string) []string {
	t := func(name string) string { return d.Quote(prefix + name) }
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t("counter") + ` (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"key" TEXT NOT NULL,
	"value" INTEGER NOT NULL,
	"expire_at" INTEGER NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + d.Quote("ix_"+prefix+"counter_key") + ` ON ` + t("counter") + ` ("key")`,
		`CREATE TABLE IF NOT EXISTS ` + t("aggregated_counter") + ` (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"key" TEXT NOT NULL UNIQUE,
	"value" INTEGER NOT NULL,
	"expire_at" INTEGER NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + d.Quote("ix_"+prefix+"aggregated_counter_expire_at") + ` ON ` + t("aggregated_counter") + ` ("expire_at")`,
		`CREATE TABLE IF NOT EXISTS ` + t("lock") + ` (
	"prefix" TEXT NOT NULL,
	"resource" TEXT NOT NULL,
	"owner" TEXT NOT NULL,
	"expire_at" INTEGER NOT NULL,
	PRIMARY KEY ("prefix", "resource")
)`,
	}
}
