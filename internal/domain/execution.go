// internal/domain/execution.go
package domain

import (
	"time"
)

// ExecutionStatus defines the status of a periodic task execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusFailed   ExecutionStatus = "failed"
	ExecutionStatusTimeout  ExecutionStatus = "timeout"
	ExecutionStatusCanceled ExecutionStatus = "canceled"
)

// ExecutionRecord describes one tick of a periodic task.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	TaskName  string          `json:"task_name"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// Finish stamps the end time and derives the status from err.
func (r *ExecutionRecord) Finish(err error) {
	r.EndTime = time.Now()
	switch {
	case err == nil:
		r.Status = ExecutionStatusSuccess
	case IsCanceled(err):
		r.Status = ExecutionStatusCanceled
	case IsTimeout(err):
		r.Status = ExecutionStatusTimeout
	default:
		r.Status = ExecutionStatusFailed
	}
	if err != nil {
		r.Error = err.Error()
	}
}

// Duration is the wall time of the execution.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
