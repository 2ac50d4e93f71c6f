package usecase

import (
	"context"
	"log/slog"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/repeater"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CounterService records counter increments through the retry engine.
type CounterService struct {
	db       *sqldb.DB
	repeater *repeater.Repeater
	counters *sqldb.CounterRepository
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewCounterService creates a new CounterService instance.
func NewCounterService(db *sqldb.DB, rep *repeater.Repeater, counters *sqldb.CounterRepository, timeout time.Duration, logger *slog.Logger) *CounterService {
	return &CounterService{
		db:       db,
		repeater: rep,
		counters: counters,
		timeout:  timeout,
		logger:   logger.With("component", "counter-service"),
		tracer:   otel.Tracer("distributed-repeater-usecase"),
	}
}

// Increment stores one raw counter row. It contends on the Counter resource
// with the aggregator's passes.
func (s *CounterService) Increment(ctx context.Context, counter *domain.Counter) error {
	ctx, span := s.tracer.Start(ctx, "service.Increment")
	defer span.End()
	span.SetAttributes(attribute.String("counter.key", counter.Key), attribute.Int64("counter.value", counter.Value))

	if err := counter.Validate(); err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open connection")
		return err
	}
	defer conn.Close()

	plan := repeater.Lock(domain.ResourceCounter).Wait(s.timeout).Log("increment-counter")
	err = s.repeater.Execute(ctx, conn, plan, func(ctx context.Context, session *sqldb.Session) error {
		return s.counters.Increment(ctx, session, counter)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to increment counter")
		return err
	}
	return nil
}
