package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/metrics"
	"distributed-repeater/internal/repeater"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAggregationInterval = 5 * time.Minute
	DefaultPassSize            = 1000
	DefaultPassDelay           = 500 * time.Millisecond
	DefaultTaskLockTimeout     = 30 * time.Second
)

// AggregatorConfig tunes the counters aggregator.
type AggregatorConfig struct {
	// Interval is the idle sleep after the counter table has been drained.
	Interval time.Duration
	// PassSize bounds the rows moved by one pass.
	PassSize int
	// PassDelay is the pause between two full passes.
	PassDelay time.Duration
	// LockTimeout bounds the wait for the cluster-wide lock and each pass.
	LockTimeout time.Duration
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultAggregationInterval
	}
	if c.PassSize <= 0 {
		c.PassSize = DefaultPassSize
	}
	if c.PassDelay < 0 {
		c.PassDelay = DefaultPassDelay
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultTaskLockTimeout
	}
	return c
}

// CountersAggregator drains raw counter rows into the aggregated counter
// table. Only one process runs a drain at a time; the others wait for the
// CountersAggregator lock.
type CountersAggregator struct {
	db       *sqldb.DB
	repeater *repeater.Repeater
	counters *sqldb.CounterRepository
	cfg      AggregatorConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ domain.PeriodicTask = (*CountersAggregator)(nil)

// NewCountersAggregator creates the aggregation task.
func NewCountersAggregator(db *sqldb.DB, rep *repeater.Repeater, counters *sqldb.CounterRepository, cfg AggregatorConfig, logger *slog.Logger) *CountersAggregator {
	return &CountersAggregator{
		db:       db,
		repeater: rep,
		counters: counters,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "counters-aggregator"),
		tracer:   otel.Tracer("distributed-repeater-usecase"),
		sleep:    repeater.Sleep,
	}
}

func (a *CountersAggregator) Name() string { return "counters-aggregator" }

// Execute drains the counter table and then sleeps for the configured
// interval. A timeout ends the tick; the next tick starts from scratch.
func (a *CountersAggregator) Execute(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "task.CountersAggregator.Execute")
	defer span.End()

	a.logger.Debug("aggregating records in counter table")

	rows, passes, err := a.drain(ctx)
	span.SetAttributes(attribute.Int("aggregation.rows", rows), attribute.Int("aggregation.passes", passes))
	if err != nil {
		if ctx.Err() != nil && !domain.IsCanceled(err) {
			err = fmt.Errorf("%w: %w", domain.ErrCanceled, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter aggregation failed")
		return err
	}
	a.logger.Debug("counter table drained", "rows", rows, "passes", passes)

	if err := a.sleep(ctx, a.cfg.Interval); err != nil {
		return domain.Canceled(ctx)
	}
	return nil
}

// drain holds the cluster-wide lock while running passes until one returns
// fewer rows than a full pass.
func (a *CountersAggregator) drain(ctx context.Context) (rows, passes int, err error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	lock, err := a.repeater.Acquire(ctx, repeater.Lock(domain.ResourceCountersAggregator).
		Wait(a.cfg.LockTimeout).
		Log(a.Name()))
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			a.logger.Error("failed to release aggregator lock", "error", err)
		}
	}()

	plan := repeater.Lock(domain.ResourceCounter, domain.ResourceAggregatedCounter).
		Wait(a.cfg.LockTimeout).
		Log("aggregate-counters")

	for {
		var n int
		err := a.repeater.ExecuteMany(ctx, conn, plan, func(ctx context.Context, s *sqldb.Session) error {
			var err error
			n, err = a.counters.Aggregate(ctx, s, a.cfg.PassSize)
			return err
		})
		if err != nil {
			return rows, passes, err
		}

		passes++
		rows += n
		metrics.AggregationPassesTotal.Inc()
		metrics.CountersAggregatedTotal.Add(float64(n))

		if n < a.cfg.PassSize {
			return rows, passes, nil
		}
		if err := a.sleep(ctx, a.cfg.PassDelay); err != nil {
			return rows, passes, domain.Canceled(ctx)
		}
	}
}
