// Package repeater runs database work that may conflict with other processes
// sharing the same store. Each call starts optimistically without a lock,
// probes for contention when that times out, and finally takes the plan's
// named locks. Storage deadlocks are retried with a jittered backoff at
// every stage.
package repeater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout applies to plans without Wait.
const DefaultTimeout = 30 * time.Second

// Action is a unit of work run on an execution context. It may run several
// times and must not keep state between runs.
type Action func(ctx context.Context, s *sqldb.Session) error

// Repeater is the retry/escalation engine. It is safe for concurrent use.
type Repeater struct {
	locker         domain.Locker
	logger         *slog.Logger
	tracer         trace.Tracer
	backoff        Backoff
	defaultTimeout time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Repeater.
type Option func(*Repeater)

// WithBackoff replaces the deadlock backoff.
func WithBackoff(b Backoff) Option {
	return func(r *Repeater) { r.backoff = b }
}

// WithDefaultTimeout sets the deadline of plans that do not call Wait.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Repeater) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// New creates a Repeater acquiring its locks through locker.
func New(locker domain.Locker, logger *slog.Logger, opts ...Option) *Repeater {
	r := &Repeater{
		locker:         locker,
		logger:         logger.With("component", "repeater"),
		tracer:         otel.Tracer("distributed-repeater-engine"),
		backoff:        DefaultBackoff(),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		sleep:          Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs action without an implicit transaction: each statement it
// issues commits on its own.
func (r *Repeater) Execute(ctx context.Context, conn *sqldb.Conn, plan Plan, action Action) error {
	return r.run(ctx, conn, plan, false, action)
}

// ExecuteMany runs the actions in order inside one transaction.
func (r *Repeater) ExecuteMany(ctx context.Context, conn *sqldb.Conn, plan Plan, actions ...Action) error {
	return r.run(ctx, conn, plan, true, func(ctx context.Context, s *sqldb.Session) error {
		for _, action := range actions {
			if err := action(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteStatement runs a single statement and returns the rows it affected.
func (r *Repeater) ExecuteStatement(ctx context.Context, conn *sqldb.Conn, plan Plan, query string, args ...any) (int64, error) {
	var affected int64
	err := r.run(ctx, conn, plan, false, func(ctx context.Context, s *sqldb.Session) error {
		result, err := s.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// Acquire takes the plan's resources as one scoped lock, waiting up to the
// plan's timeout. The caller must Release it, typically with defer.
func (r *Repeater) Acquire(ctx context.Context, plan Plan) (domain.Lock, error) {
	plan = plan.withDefaults(r.defaultTimeout)
	if len(plan.resources) == 0 {
		return nil, errors.New("plan has no resources to acquire")
	}
	lock, err := r.locker.AcquireMany(ctx, plan.timeout, plan.resources...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", plan.name, err)
	}
	return lock, nil
}

type phase string

const (
	phaseOptimistic  phase = "optimistic"
	phaseProbe       phase = "probe"
	phasePessimistic phase = "pessimistic"
)

func (r *Repeater) run(ctx context.Context, conn *sqldb.Conn, plan Plan, batch bool, action Action) error {
	plan = plan.withDefaults(r.defaultTimeout)
	logger := r.logger.With("operation", plan.name)

	ctx, span := r.tracer.Start(ctx, "repeater.Execute", trace.WithAttributes(
		attribute.String("repeater.operation", plan.name),
		attribute.StringSlice("repeater.resources", resourceNames(plan.resources)),
		attribute.Bool("repeater.batch", batch),
	))
	defer span.End()

	start := r.now()
	deadline := start.Add(plan.timeout)
	optimisticDeadline := deadline
	if len(plan.resources) > 0 {
		// The optimistic phase gets the first half so that the probe budget
		// and the blocking acquire still have time before the deadline.
		optimisticDeadline = start.Add(plan.timeout / 2)
	}
	u := unit{conn: conn, batch: batch, action: action, logger: logger}

	res := r.observe(span, phaseOptimistic, r.retry(ctx, u, optimisticDeadline, unbounded))
	if res.Outcome != TimedOut || len(plan.resources) == 0 {
		return r.finish(span, res)
	}

	free, err := r.locker.TestMany(ctx, plan.resources...)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return r.finish(span, canceled(0, domain.Canceled(ctx)))
	case conn.DB().Dialect().IsDeadlock(err):
		// A busy lock table is contention too.
		free = false
	default:
		return r.finish(span, failed(0, err))
	}
	if free {
		res = r.observe(span, phaseProbe, r.retry(ctx, u, deadline, probeBudget))
		if res.Outcome != TimedOut {
			return r.finish(span, res)
		}
	}

	logger.Debug("escalating to explicit lock", "resources", plan.resources)
	return r.finish(span, r.observe(span, phasePessimistic, r.pessimistic(ctx, u, plan, deadline)))
}

// pessimistic holds every plan resource while retrying; the lock is released
// on every exit path.
func (r *Repeater) pessimistic(ctx context.Context, u unit, plan Plan, deadline time.Time) Result {
	lock, err := r.locker.AcquireMany(ctx, deadline.Sub(r.now()), plan.resources...)
	switch {
	case err == nil:
	case domain.IsCanceled(err):
		return canceled(0, err)
	case domain.IsTimeout(err):
		return timedOut(0, err)
	default:
		return failed(0, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			u.logger.Error("failed to release lock", "resources", plan.resources, "error", err)
		}
	}()
	return r.retry(ctx, u, deadline, unbounded)
}

func (r *Repeater) observe(span trace.Span, p phase, res Result) Result {
	metrics.RepeaterPhaseTotal.WithLabelValues(string(p), res.Outcome.String()).Inc()
	span.AddEvent("phase."+string(p), trace.WithAttributes(
		attribute.String("outcome", res.Outcome.String()),
		attribute.Int("attempts", res.Attempts),
	))
	return res
}

func (r *Repeater) finish(span trace.Span, res Result) error {
	if res.Outcome == Succeeded {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, res.Outcome.String())
	return res.Err
}

func resourceNames(res []domain.Resource) []string {
	names := make([]string, len(res))
	for i, r := range res {
		names[i] = string(r)
	}
	return names
}
