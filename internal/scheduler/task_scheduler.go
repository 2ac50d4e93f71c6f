package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultErrorDelay is the pause after a failed tick before the task runs again.
const DefaultErrorDelay = 15 * time.Second

// taskScheduler hosts periodic tasks: looped tasks run back to back on their
// own goroutine, scheduled tasks are triggered by cron.
type taskScheduler struct {
	cron       *cron.Cron
	periodic   []domain.PeriodicTask
	scheduled  map[string]cron.EntryID
	errorDelay time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	baseCtx context.Context
}

// NewTaskScheduler creates the host for periodic tasks.
func NewTaskScheduler(logger *slog.Logger, errorDelay time.Duration) domain.Schedular {
	if errorDelay <= 0 {
		errorDelay = DefaultErrorDelay
	}
	return &taskScheduler{
		cron:       cron.New(),
		scheduled:  make(map[string]cron.EntryID),
		errorDelay: errorDelay,
		logger:     logger.With("component", "task-scheduler"),
		tracer:     otel.Tracer("distributed-repeater-scheduler"),
		baseCtx:    context.Background(),
	}
}

// AddPeriodic registers a task that is executed again as soon as it returns.
// Tasks added after Start are not picked up.
func (s *taskScheduler) AddPeriodic(task domain.PeriodicTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodic = append(s.periodic, task)
	s.logger.Info("added periodic task", "task", task.Name())
}

// AddScheduled registers a task triggered by a cron spec. A trigger is
// skipped while the previous run is still going.
func (s *taskScheduler) AddScheduled(spec string, task domain.PeriodicTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.scheduled[task.Name()]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{task: task, scheduler: s}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(wrapper)
	entryID, err := s.cron.AddJob(spec, job)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task", task.Name(), "error", err)
		return fmt.Errorf("failed to schedule %s: %w", task.Name(), err)
	}

	s.scheduled[task.Name()] = entryID
	s.logger.Info("added scheduled task", "task", task.Name(), "schedule", spec)
	return nil
}

// Start runs every task until ctx is cancelled, then waits for the running
// ticks to return.
func (s *taskScheduler) Start(ctx context.Context) error {
	s.logger.Info("task scheduler started")

	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.baseCtx = gctx
	periodic := append([]domain.PeriodicTask(nil), s.periodic...)
	s.mu.Unlock()

	for _, task := range periodic {
		g.Go(func() error {
			s.loop(gctx, task)
			return nil
		})
	}
	s.cron.Start()

	<-ctx.Done()
	s.logger.Info("task scheduler stopping...")
	stopCtx := s.cron.Stop()
	_ = g.Wait()
	<-stopCtx.Done()
	s.logger.Info("task scheduler stopped")
	return ctx.Err()
}

func (s *taskScheduler) loop(ctx context.Context, task domain.PeriodicTask) {
	for ctx.Err() == nil {
		record := s.runOnce(ctx, task)
		switch record.Status {
		case domain.ExecutionStatusCanceled:
			return
		case domain.ExecutionStatusFailed, domain.ExecutionStatusTimeout:
			if !wait(ctx, s.errorDelay) {
				return
			}
		}
	}
}

func (s *taskScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// runOnce executes one tick, recovering from panics, and records its outcome.
func (s *taskScheduler) runOnce(ctx context.Context, task domain.PeriodicTask) (record *domain.ExecutionRecord) {
	ctx, span := s.tracer.Start(ctx, "scheduler.RunTask", trace.WithAttributes(
		attribute.String("task.name", task.Name()),
	))
	defer span.End()

	record = &domain.ExecutionRecord{
		ID:        uuid.NewString(),
		TaskName:  task.Name(),
		StartTime: time.Now(),
		Status:    domain.ExecutionStatusRunning,
	}
	logger := s.logger.With("task", task.Name(), "execution_id", record.ID)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && ctx.Err() != nil && !domain.IsCanceled(err) {
			err = fmt.Errorf("%w: %w", domain.ErrCanceled, err)
		}
		record.Finish(err)
		metrics.TaskExecutionTotal.WithLabelValues(task.Name(), string(record.Status)).Inc()

		switch record.Status {
		case domain.ExecutionStatusSuccess, domain.ExecutionStatusCanceled:
			span.SetStatus(codes.Ok, "")
		case domain.ExecutionStatusTimeout:
			span.RecordError(err)
			span.SetStatus(codes.Error, "task timed out")
			logger.Warn("task execution timed out", "error", err, "duration", record.Duration())
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "task execution failed")
			logger.Error("task execution failed", "error", err, "duration", record.Duration())
		}
	}()

	err = task.Execute(ctx)
	return record
}

// cronTaskWrapper adapts a periodic task to cron.Job.
type cronTaskWrapper struct {
	task      domain.PeriodicTask
	scheduler *taskScheduler
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	ctx := w.scheduler.context()
	if ctx.Err() != nil {
		return
	}
	w.scheduler.runOnce(ctx, w.task)
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
