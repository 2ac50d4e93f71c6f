package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal 记录 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TaskExecutionTotal counts periodic task ticks by outcome (success/failed/canceled).
	TaskExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_executions_total",
			Help: "Total number of periodic task executions.",
		},
		[]string{"task", "status"},
	)

	// RepeaterPhaseTotal counts how each escalation phase ended.
	RepeaterPhaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repeater_phase_total",
			Help: "Escalation phase results of the retry engine.",
		},
		[]string{"phase", "outcome"},
	)

	// DeadlockRetriesTotal counts storage-engine deadlocks absorbed by the retry loop.
	DeadlockRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repeater_deadlock_retries_total",
			Help: "Number of deadlocks retried by the engine.",
		},
	)

	// LockAcquisitionsTotal counts named-lock acquisitions by result (acquired/timeout/canceled).
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Named lock acquisition attempts by result.",
		},
		[]string{"result"},
	)

	// CountersAggregatedTotal counts raw counter rows merged into the aggregate table.
	CountersAggregatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counters_aggregated_total",
			Help: "Raw counter rows consumed by the aggregator.",
		},
	)

	// AggregationPassesTotal counts aggregation passes.
	AggregationPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregation_passes_total",
			Help: "Number of aggregation passes run.",
		},
	)

	// ExpiredRowsDeletedTotal counts rows removed by the expiration manager.
	ExpiredRowsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expired_rows_deleted_total",
			Help: "Rows deleted by the expiration manager.",
		},
		[]string{"table"},
	)
)
