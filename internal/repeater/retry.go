package repeater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/metrics"
)

const (
	// unbounded lets the deadline alone stop the loop.
	unbounded = 0
	// probeBudget is the retry budget of the contention-probe phase.
	probeBudget = 3
)

// unit is one attempt of the caller's work on a connection.
type unit struct {
	conn   *sqldb.Conn
	batch  bool
	action Action
	logger *slog.Logger
}

// run executes the action once. In batch mode it runs inside a transaction
// that is committed on success and rolled back otherwise.
func (u unit) run(ctx context.Context) error {
	if !u.batch {
		return u.action(ctx, u.conn.Session())
	}
	s, err := u.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if err := u.action(ctx, s); err != nil {
		_ = s.Rollback()
		return err
	}
	if err := s.Commit(); err != nil {
		_ = s.Rollback()
		return err
	}
	return nil
}

// retry runs u until it succeeds, fails with a non-deadlock error, the
// deadline passes, the budget of deadlock retries is spent or ctx is done.
// The attempt counter belongs to this call only.
func (r *Repeater) retry(ctx context.Context, u unit, deadline time.Time, budget int) Result {
	dialect := u.conn.DB().Dialect()
	deadlocks := 0
	for {
		if ctx.Err() != nil {
			return canceled(deadlocks, domain.Canceled(ctx))
		}

		err := u.run(ctx)
		if err == nil {
			if deadlocks > 1 {
				u.logger.Info("deadlock resolved", "attempts", deadlocks+1)
			}
			return succeeded(deadlocks + 1)
		}
		if ctx.Err() != nil {
			return canceled(deadlocks+1, domain.Canceled(ctx))
		}
		if !dialect.IsDeadlock(err) {
			return failed(deadlocks+1, err)
		}

		deadlocks++
		metrics.DeadlockRetriesTotal.Inc()
		if !r.now().Before(deadline) || (budget != unbounded && deadlocks >= budget) {
			return timedOut(deadlocks, fmt.Errorf("%w after %d deadlocks: %w", domain.ErrTimeout, deadlocks, err))
		}
		if deadlocks > 1 {
			u.logger.Warn("deadlock detected, retrying", "attempt", deadlocks, "error", err)
		}
		if err := r.sleep(ctx, r.backoff.Delay(deadlocks)); err != nil {
			return canceled(deadlocks, domain.Canceled(ctx))
		}
	}
}
