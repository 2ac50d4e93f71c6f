package usecase

import (
	"context"
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

const DefaultExpirationBatchSize = 1000

// LockPurger removes lock rows whose holder stopped renewing them.
type LockPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ExpirationConfig tunes the expiration manager.
type ExpirationConfig struct {
	BatchSize   int
	LockTimeout time.Duration
}

// ExpirationManager deletes expired aggregated counters in batches and
// purges stale lock rows. It runs on a cron schedule, so Execute returns as
// soon as the sweep is done.
type ExpirationManager struct {
	db       *sqldb.DB
	repeater *repeater.Repeater
	counters *sqldb.CounterRepository
	locks    LockPurger
	cfg      ExpirationConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

var _ domain.PeriodicTask = (*ExpirationManager)(nil)

// NewExpirationManager creates the expiration task.
func NewExpirationManager(db *sqldb.DB, rep *repeater.Repeater, counters *sqldb.CounterRepository, locks LockPurger, cfg ExpirationConfig, logger *slog.Logger) *ExpirationManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultExpirationBatchSize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultTaskLockTimeout
	}
	return &ExpirationManager{
		db:       db,
		repeater: rep,
		counters: counters,
		locks:    locks,
		cfg:      cfg,
		logger:   logger.With("component", "expiration-manager"),
		tracer:   otel.Tracer("distributed-repeater-usecase"),
		now:      time.Now,
	}
}

func (m *ExpirationManager) Name() string { return "expiration-manager" }

func (m *ExpirationManager) Execute(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "task.ExpirationManager.Execute")
	defer span.End()

	m.logger.Debug("removing expired records from aggregated counter table")

	removed, err := m.sweep(ctx)
	span.SetAttributes(attribute.Int("expiration.rows", removed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expiration sweep failed")
		return err
	}

	purged, err := m.locks.PurgeExpired(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	metrics.ExpiredRowsDeletedTotal.WithLabelValues("lock").Add(float64(purged))

	if removed > 0 || purged > 0 {
		m.logger.Info("expired records removed", "aggregated_counters", removed, "locks", purged)
	}
	return nil
}

func (m *ExpirationManager) sweep(ctx context.Context) (int, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	lock, err := m.repeater.Acquire(ctx, repeater.Lock(domain.ResourceExpirationManager).
		Wait(m.cfg.LockTimeout).
		Log(m.Name()))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			m.logger.Error("failed to release expiration lock", "error", err)
		}
	}()

	plan := repeater.Lock(domain.ResourceAggregatedCounter).
		Wait(m.cfg.LockTimeout).
		Log("expire-aggregated-counters")

	total := 0
	for {
		if ctx.Err() != nil {
			return total, domain.Canceled(ctx)
		}
		now := m.now()
		var n int
		err := m.repeater.ExecuteMany(ctx, conn, plan, func(ctx context.Context, s *sqldb.Session) error {
			var err error
			n, err = m.counters.DeleteExpiredAggregated(ctx, s, now, m.cfg.BatchSize)
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
		metrics.ExpiredRowsDeletedTotal.WithLabelValues("aggregated_counter").Add(float64(n))
		if n < m.cfg.BatchSize {
			return total, nil
		}
	}
}
