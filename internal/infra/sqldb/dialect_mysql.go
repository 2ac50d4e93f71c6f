package sqldb

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrLockDeadlock    = 1213
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDupEntry        = 1062
)

// MySQL is the dialect for MySQL and MariaDB (InnoDB).
type MySQL struct{}

func (MySQL) Name() string               { return "mysql" }
func (MySQL) DriverName() string         { return "mysql" }
func (MySQL) Quote(ident string) string  { return quoteWith(ident, "`") }
func (MySQL) Rebind(query string) string { return query }
func (MySQL) ForUpdate() string          { return " FOR UPDATE" }

func (MySQL) IsDeadlock(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == mysqlErrLockDeadlock || me.Number == mysqlErrLockWaitTimeout
}

func (MySQL) IsDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDupEntry
}

func (d MySQL) AggregateCountersSQL(aggregated, counter, in string) string {
	q := d.Quote
	return fmt.Sprintf(`INSERT INTO %[1]s (%[3]s, %[4]s, %[5]s)
SELECT grouped.%[3]s, grouped.%[4]s, grouped.%[5]s FROM (
	SELECT %[3]s, SUM(%[4]s) AS %[4]s, MAX(%[5]s) AS %[5]s
	FROM %[2]s WHERE %[6]s IN (%[7]s) GROUP BY %[3]s
) AS grouped
ON DUPLICATE KEY UPDATE
	%[1]s.%[4]s = %[1]s.%[4]s + VALUES(%[4]s),
	%[1]s.%[5]s = GREATEST(COALESCE(%[1]s.%[5]s, VALUES(%[5]s)), COALESCE(VALUES(%[5]s), %[1]s.%[5]s))`,
		aggregated, counter, q("key"), q("value"), q("expire_at"), q("id"), in)
}

func (d MySQL) Schema(prefix string) []string {
	t := func(name string) string { return d.Quote(prefix + name) }
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t("counter") + ` (
	` + "`id`" + ` BIGINT NOT NULL AUTO_INCREMENT,
	` + "`key`" + ` VARCHAR(100) NOT NULL,
	` + "`value`" + ` BIGINT NOT NULL,
	` + "`expire_at`" + ` BIGINT NULL,
	PRIMARY KEY (` + "`id`" + `),
	KEY ` + d.Quote("ix_"+prefix+"counter_key") + ` (` + "`key`" + `)
) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS ` + t("aggregated_counter") + ` (
	` + "`id`" + ` BIGINT NOT NULL AUTO_INCREMENT,
	` + "`key`" + ` VARCHAR(100) NOT NULL,
	` + "`value`" + ` BIGINT NOT NULL,
	` + "`expire_at`" + ` BIGINT NULL,
	PRIMARY KEY (` + "`id`" + `),
	UNIQUE KEY ` + d.Quote("ux_"+prefix+"aggregated_counter_key") + ` (` + "`key`" + `),
	KEY ` + d.Quote("ix_"+prefix+"aggregated_counter_expire_at") + ` (` + "`expire_at`" + `)
) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS ` + t("lock") + ` (
	` + "`prefix`" + ` VARCHAR(100) NOT NULL,
	` + "`resource`" + ` VARCHAR(100) NOT NULL,
	` + "`owner`" + ` CHAR(36) NOT NULL,
	` + "`expire_at`" + ` BIGINT NOT NULL,
	PRIMARY KEY (` + "`prefix`" + `, ` + "`resource`" + `)
) ENGINE=InnoDB`,
	}
}
