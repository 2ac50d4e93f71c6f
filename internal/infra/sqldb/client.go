package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Config describes how to reach the shared store.
type Config struct {
	Driver       string
	DSN          string
	TablePrefix  string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

// DB is the pooled connection to the shared store together with the
// dialect and the deployment table prefix.
type DB struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
}

// Open opens and pings the database described by cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Name(), err)
	}
	return New(db, dialect, cfg.TablePrefix), nil
}

// New wraps an already opened pool. The DB takes ownership of db.
func New(db *sql.DB, dialect Dialect, prefix string) *DB {
	return &DB{db: db, dialect: dialect, prefix: prefix}
}

func (d *DB) Dialect() Dialect { return d.dialect }
func (d *DB) Prefix() string   { return d.prefix }

// Table returns the quoted, prefix-qualified name of a logical table.
func (d *DB) Table(name string) string { return d.dialect.Quote(d.prefix + name) }

// Close closes the pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Install creates the tables used by the engine if they are missing.
func (d *DB) Install(ctx context.Context) error {
	for _, stmt := range d.dialect.Schema(d.prefix) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install %s schema: %w", d.dialect.Name(), err)
		}
	}
	return nil
}

// Conn takes a dedicated connection out of the pool. The caller must Close it.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return &Conn{conn: c, db: d}, nil
}

// Session returns an execution context running each statement on the pool.
func (d *DB) Session() *Session {
	return &Session{q: d.db, db: d}
}

// Begin starts a transaction on the pool.
func (d *DB) Begin(ctx context.Context) (*Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Session{q: tx, tx: tx, db: d}, nil
}
