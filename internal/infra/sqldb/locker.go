// internal/infra/sqldb/locker.go
package sqldb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultLockTTL is how long a lock row stays live without renewal.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockPollInterval paces acquisition retries under contention.
	DefaultLockPollInterval = 100 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// Locker implements domain.Locker with rows in the {prefix}lock table.
type Locker struct {
	db     *DB
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ domain.Locker = (*Locker)(nil)

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithLockTTL sets the lifetime of a lock row between renewals.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPollInterval sets the pause between two acquisition tries.
func WithPollInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// NewLocker creates a Locker backed by db.
func NewLocker(db *DB, logger *slog.Logger, opts ...LockerOption) *Locker {
	l := &Locker{
		db:     db,
		ttl:    DefaultLockTTL,
		poll:   DefaultLockPollInterval,
		logger: logger.With("component", "sql-locker"),
		tracer: otel.Tracer("distributed-repeater-sql-locker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TestMany reports whether none of the resources has a live lock row.
func (l *Locker) TestMany(ctx context.Context, resources ...domain.Resource) (bool, error) {
	res := domain.NormalizeResources(resources)
	if len(res) == 0 {
		return true, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ? AND %s IN (%s) AND %s > ?`,
		l.db.Table("lock"), l.col("prefix"), l.col("resource"), placeholders(len(res)), l.col("expire_at"))
	args := make([]any, 0, len(res)+2)
	args = append(args, l.db.prefix)
	args = appendResources(args, res)
	args = append(args, l.now().UnixMilli())

	var held int
	if err := l.db.Session().QueryRow(ctx, query, args...).Scan(&held); err != nil {
		return false, fmt.Errorf("failed to test locks on %v: %w", res, err)
	}
	return held == 0, nil
}

// AcquireOne acquires a single resource.
func (l *Locker) AcquireOne(ctx context.Context, timeout time.Duration, resource domain.Resource) (domain.Lock, error) {
	return l.AcquireMany(ctx, timeout, resource)
}

// AcquireMany inserts one row per resource in a single transaction, retrying
// under contention until timeout elapses or ctx is cancelled. At least one
// try is made even when timeout is not positive.
func (l *Locker) AcquireMany(ctx context.Context, timeout time.Duration, resources ...domain.Resource) (domain.Lock, error) {
	res := domain.NormalizeResources(resources)
	if len(res) == 0 {
		return nil, errors.New("no resources to lock")
	}

	ctx, span := l.tracer.Start(ctx, "locker.sql.AcquireMany", trace.WithAttributes(
		attribute.StringSlice("lock.resources", resourceNames(res)),
		attribute.String("lock.timeout", timeout.String()),
	))
	defer span.End()

	deadline := l.now().Add(timeout)
	owner := uuid.NewString()
	limiter := rate.NewLimiter(rate.Every(l.poll), 1)
	limiter.Allow() // the first try goes out immediately

	for tries := 1; ; tries++ {
		if ctx.Err() != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("canceled").Inc()
			span.SetStatus(codes.Error, "lock acquisition canceled")
			return nil, domain.Canceled(ctx)
		}

		acquired, err := l.tryAcquire(ctx, owner, res)
		if err != nil {
			if ctx.Err() != nil {
				metrics.LockAcquisitionsTotal.WithLabelValues("canceled").Inc()
				return nil, domain.Canceled(ctx)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock acquisition failed")
			return nil, err
		}
		if acquired {
			metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			span.SetAttributes(attribute.Int("lock.tries", tries))
			l.logger.Debug("acquired lock", "resources", res, "owner", owner, "tries", tries)
			return l.hold(owner, res), nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, l.timedOut(span, res, timeout)
		}
		if err := l.pace(ctx, limiter, remaining); err != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("canceled").Inc()
			return nil, domain.Canceled(ctx)
		}
	}
}

// pace waits for the next try. When the deadline comes before the next poll
// slot, it waits for the deadline instead so that a last try happens there.
func (l *Locker) pace(ctx context.Context, limiter *rate.Limiter, remaining time.Duration) error {
	if remaining >= l.poll {
		return limiter.Wait(ctx)
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Locker) timedOut(span trace.Span, res []domain.Resource, timeout time.Duration) error {
	metrics.LockAcquisitionsTotal.WithLabelValues("timeout").Inc()
	span.SetStatus(codes.Error, "lock acquisition timed out")
	return fmt.Errorf("%w on %v within %s", domain.ErrLockNotAcquired, res, timeout)
}

// tryAcquire reports false when another holder owns any of the rows.
func (l *Locker) tryAcquire(ctx context.Context, owner string, res []domain.Resource) (bool, error) {
	s, err := l.db.Begin(ctx)
	if err != nil {
		if l.db.dialect.IsDeadlock(err) {
			return false, nil
		}
		return false, err
	}
	defer s.Rollback()

	now := l.now()
	purge := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s IN (%s) AND %s <= ?`,
		l.db.Table("lock"), l.col("prefix"), l.col("resource"), placeholders(len(res)), l.col("expire_at"))
	args := make([]any, 0, len(res)+2)
	args = append(args, l.db.prefix)
	args = appendResources(args, res)
	args = append(args, now.UnixMilli())
	if _, err := s.Exec(ctx, purge, args...); err != nil {
		return l.contended(err)
	}

	rows := make([]string, len(res))
	args = make([]any, 0, len(res)*4)
	expireAt := now.Add(l.ttl).UnixMilli()
	for i, r := range res {
		rows[i] = "(?, ?, ?, ?)"
		args = append(args, l.db.prefix, string(r), owner, expireAt)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s) VALUES %s`,
		l.db.Table("lock"), l.col("prefix"), l.col("resource"), l.col("owner"), l.col("expire_at"),
		strings.Join(rows, ", "))
	if _, err := s.Exec(ctx, insert, args...); err != nil {
		return l.contended(err)
	}

	if err := s.Commit(); err != nil {
		return l.contended(err)
	}
	return true, nil
}

func (l *Locker) contended(err error) (bool, error) {
	if l.db.dialect.IsDuplicate(err) || l.db.dialect.IsDeadlock(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to insert lock rows: %w", err)
}

// PurgeExpired deletes every expired lock row of this deployment.
func (l *Locker) PurgeExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s <= ?`,
		l.db.Table("lock"), l.col("prefix"), l.col("expire_at"))
	result, err := l.db.Session().Exec(ctx, query, l.db.prefix, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired locks: %w", err)
	}
	return result.RowsAffected()
}

func (l *Locker) col(name string) string { return l.db.dialect.Quote(name) }

func (l *Locker) hold(owner string, res []domain.Resource) *sqlLock {
	lock := &sqlLock{
		locker:    l,
		owner:     owner,
		resources: res,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go lock.renew()
	return lock
}

// sqlLock implements domain.Lock. Its rows are renewed every ttl/3 until
// Release is called.
type sqlLock struct {
	locker    *Locker
	owner     string
	resources []domain.Resource

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (l *sqlLock) Resources() []domain.Resource { return slices.Clone(l.resources) }

// Release stops renewal and deletes the rows owned by this lock.
func (l *sqlLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		if _, err := l.exec(releaseCtx, `DELETE FROM %s WHERE %s = ? AND %s IN (%s) AND %s = ?`); err != nil {
			l.err = fmt.Errorf("failed to release lock on %v: %w", l.resources, err)
			return
		}
		l.locker.logger.Debug("released lock", "resources", l.resources, "owner", l.owner)
	})
	return l.err
}

func (l *sqlLock) renew() {
	defer close(l.done)

	interval := max(l.locker.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			expireAt := l.locker.now().Add(l.locker.ttl).UnixMilli()
			n, err := l.exec(ctx, `UPDATE %s SET `+l.locker.col("expire_at")+` = ? WHERE %s = ? AND %s IN (%s) AND %s = ?`, expireAt)
			cancel()
			switch {
			case err != nil:
				l.locker.logger.Warn("failed to renew lock", "resources", l.resources, "error", err)
			case n < int64(len(l.resources)):
				l.locker.logger.Error("lock rows lost before release", "resources", l.resources, "owner", l.owner)
			}
		}
	}
}

// exec runs a statement whose WHERE clause selects this lock's rows. The
// format takes the table, prefix, resource, placeholder and owner columns.
func (l *sqlLock) exec(ctx context.Context, format string, leading ...any) (int64, error) {
	lk := l.locker
	query := fmt.Sprintf(format, lk.db.Table("lock"), lk.col("prefix"), lk.col("resource"),
		placeholders(len(l.resources)), lk.col("owner"))
	args := make([]any, 0, len(leading)+len(l.resources)+2)
	args = append(args, leading...)
	args = append(args, lk.db.prefix)
	args = appendResources(args, l.resources)
	args = append(args, l.owner)

	result, err := lk.db.Session().Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func appendResources(args []any, res []domain.Resource) []any {
	for _, r := range res {
		args = append(args, string(r))
	}
	return args
}

func resourceNames(res []domain.Resource) []string {
	names := make([]string, len(res))
	for i, r := range res {
		names[i] = string(r)
	}
	return names
}
