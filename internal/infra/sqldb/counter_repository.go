// internal/infra/sqldb/counter_repository.go
package sqldb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributed-repeater/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CounterRepository holds the statements on the counter tables. Every method
// runs on the session it is given so that callers decide the transaction.
type CounterRepository struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCounterRepository creates a new repository for counter rows.
func NewCounterRepository(logger *slog.Logger) *CounterRepository {
	return &CounterRepository{
		logger: logger.With("component", "counter-repository"),
		tracer: otel.Tracer("distributed-repeater-counter-repo"),
	}
}

// Increment inserts one raw counter row.
func (r *CounterRepository) Increment(ctx context.Context, s *Session, c *domain.Counter) error {
	if err := c.Validate(); err != nil {
		return err
	}
	d := s.Dialect()
	query := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)`,
		s.Table("counter"), d.Quote("key"), d.Quote("value"), d.Quote("expire_at"))
	if _, err := s.Exec(ctx, query, c.Key, c.Value, unixMilli(c.ExpireAt)); err != nil {
		return fmt.Errorf("failed to insert counter %s: %w", c.Key, err)
	}
	return nil
}

// Aggregate runs one aggregation pass: it selects up to passSize counter ids,
// merges their rows into the aggregated table grouped by key (sum of values,
// greatest expiry) and deletes exactly those rows. It returns the number of
// rows consumed. The session should be transactional so that a retried pass
// neither loses nor double counts rows.
func (r *CounterRepository) Aggregate(ctx context.Context, s *Session, passSize int) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.AggregateCounters", trace.WithAttributes(
		attribute.Int("pass.size", passSize),
	))
	defer span.End()

	d := s.Dialect()
	counter := s.Table("counter")
	ids, err := r.selectIDs(ctx, s, fmt.Sprintf(`SELECT %[1]s FROM %[2]s ORDER BY %[1]s LIMIT ?%[3]s`,
		d.Quote("id"), counter, d.ForUpdate()), passSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to select counter batch")
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	in := placeholders(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := s.Exec(ctx, d.AggregateCountersSQL(s.Table("aggregated_counter"), counter, in), args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to merge counters")
		return 0, fmt.Errorf("failed to merge counters into aggregate: %w", err)
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, counter, d.Quote("id"), in)
	if _, err := s.Exec(ctx, del, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete aggregated counters")
		return 0, fmt.Errorf("failed to delete aggregated counters: %w", err)
	}

	span.SetAttributes(attribute.Int("pass.rows", len(ids)))
	return len(ids), nil
}

// DeleteExpiredAggregated removes up to batchSize aggregated counters whose
// expiry is before now and returns how many were removed.
func (r *CounterRepository) DeleteExpiredAggregated(ctx context.Context, s *Session, now time.Time, batchSize int) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.DeleteExpiredAggregated", trace.WithAttributes(
		attribute.Int("batch.size", batchSize),
	))
	defer span.End()

	d := s.Dialect()
	table := s.Table("aggregated_counter")
	ids, err := r.selectIDs(ctx, s, fmt.Sprintf(`SELECT %[1]s FROM %[2]s WHERE %[3]s < ? ORDER BY %[1]s LIMIT ?`,
		d.Quote("id"), table, d.Quote("expire_at")), now.UnixMilli(), batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to select expired aggregated counters")
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	del := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, d.Quote("id"), placeholders(len(ids)))
	if _, err := s.Exec(ctx, del, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete expired aggregated counters")
		return 0, fmt.Errorf("failed to delete expired aggregated counters: %w", err)
	}
	return len(ids), nil
}

func (r *CounterRepository) selectIDs(ctx context.Context, s *Session, query string, args ...any) ([]int64, error) {
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}

func unixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
