package domain

import "context"

// Schedular hosts periodic tasks until its context is cancelled.
type Schedular interface {
	Start(ctx context.Context) error

	// AddPeriodic runs the task back to back; the task paces itself.
	AddPeriodic(task PeriodicTask)
	// AddScheduled runs the task on a cron schedule.
	AddScheduled(spec string, task PeriodicTask) error
}
