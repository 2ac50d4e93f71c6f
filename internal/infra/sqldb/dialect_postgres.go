package sqldb

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the "pgx" database/sql driver
)

const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// Postgres is the dialect for PostgreSQL through pgx.
type Postgres struct{}

func (Postgres) Name() string               { return "postgres" }
func (Postgres) DriverName() string         { return "pgx" }
func (Postgres) Quote(ident string) string  { return quoteWith(ident, `"`) }
func (Postgres) Rebind(query string) string { return rebindDollar(query) }
func (Postgres) ForUpdate() string          { return " FOR UPDATE" }

func (Postgres) IsDeadlock(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == pgDeadlockDetected || pe.Code == pgSerializationFailure
}

func (Postgres) IsDuplicate(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}

func (d Postgres) AggregateCountersSQL(aggregated, counter, in string) string {
	q := d.Quote
	return fmt.Sprintf(`INSERT INTO %[1]s AS t (%[3]s, %[4]s, %[5]s)
SELECT %[3]s, SUM(%[4]s), MAX(%[5]s)
FROM %[2]s WHERE %[6]s IN (%[7]s) GROUP BY %[3]s
ON CONFLICT (%[3]s) DO UPDATE SET
	%[4]s = t.%[4]s + EXCLUDED.%[4]s,
	%[5]s = GREATEST(t.%[5]s, EXCLUDED.%[5]s)`,
		aggregated, counter, q("key"), q("value"), q("expire_at"), q("id"), in)
}

func (d Postgres) Schema(prefix string) []string {
	t := func(name string) string { return d.Quote(prefix + name) }
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t("counter") + ` (
	"id" BIGSERIAL PRIMARY KEY,
	"key" VARCHAR(100) NOT NULL,
	"value" BIGINT NOT NULL,
	"expire_at" BIGINT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + d.Quote("ix_"+prefix+"counter_key") + ` ON ` + t("counter") + ` ("key")`,
		`CREATE TABLE IF NOT EXISTS ` + t("aggregated_counter") + ` (
	"id" BIGSERIAL PRIMARY KEY,
	"key" VARCHAR(100) NOT NULL UNIQUE,
	"value" BIGINT NOT NULL,
	"expire_at" BIGINT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + d.Quote("ix_"+prefix+"aggregated_counter_expire_at") + ` ON ` + t("aggregated_counter") + ` ("expire_at")`,
		`CREATE TABLE IF NOT EXISTS ` + t("lock") + ` (
	"prefix" VARCHAR(100) NOT NULL,
	"resource" VARCHAR(100) NOT NULL,
	"owner" CHAR(36) NOT NULL,
	"expire_at" BIGINT NOT NULL,
	PRIMARY KEY ("prefix", "resource")
)`,
	}
}
