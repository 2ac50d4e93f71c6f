package sqldb

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect isolates the vendor specifics the engine relies on: error
// classification, identifier quoting, placeholders and the upsert used by
// counter aggregation.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string
	Quote(ident string) string
	// Rebind rewrites '?' placeholders into the dialect's native form.
	Rebind(query string) string
	// ForUpdate is appended to row selections that must lock the rows read.
	ForUpdate() string

	// IsDeadlock reports whether err is a storage-engine deadlock that is
	// safe to retry.
	IsDeadlock(err error) bool
	// IsDuplicate reports whether err is a unique or primary key violation.
	IsDuplicate(err error) bool

	// AggregateCountersSQL moves the counter rows whose ids are listed in
	// the placeholder list into the aggregated table.
	AggregateCountersSQL(aggregated, counter, placeholders string) string
	// Schema returns the statements creating the tables for prefix.
	Schema(prefix string) []string
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", name)
	}
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebindDollar converts '?' to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func quoteWith(ident string, q string) string {
	return q + strings.ReplaceAll(ident, q, q+q) + q
}
