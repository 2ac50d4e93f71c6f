package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is a dedicated connection taken from the pool.
type Conn struct {
	conn *sql.Conn
	db   *DB
}

// DB returns the pool this connection belongs to.
func (c *Conn) DB() *DB { return c.db }

// Session returns an execution context without a transaction: every
// statement commits on its own.
func (c *Conn) Session() *Session {
	return &Session{q: c.conn, db: c.db}
}

// Begin starts a transaction on this connection and returns the execution
// context bound to it.
func (c *Conn) Begin(ctx context.Context) (*Session, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Session{q: tx, tx: tx, db: c.db}, nil
}

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Session binds a connection, an optional active transaction and the table
// prefix. Queries are written with '?' placeholders and rebound for the dialect.
type Session struct {
	q  querier
	tx *sql.Tx
	db *DB
}

func (s *Session) Dialect() Dialect { return s.db.dialect }
func (s *Session) Prefix() string   { return s.db.prefix }
func (s *Session) Table(name string) string {
	return s.db.Table(name)
}

// InTransaction reports whether the session is bound to a transaction.
func (s *Session) InTransaction() bool { return s.tx != nil }

func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.db.dialect.Rebind(query), args...)
}

func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.db.dialect.Rebind(query), args...)
}

func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.db.dialect.Rebind(query), args...)
}

// Commit commits the bound transaction. It is a no-op without one.
func (s *Session) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls the bound transaction back. It is a no-op without one or
// when the transaction has already finished.
func (s *Session) Rollback() error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
