package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queues ──────────────────────────────────────────────────────────────────

	QueueTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks admitted, labelled by queue.",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks currently pending or assigned, labelled by queue.",
	}, []string{"queue"})

	QueueRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "queue",
		Name:      "rejected_total",
		Help:      "Enqueues rejected, labelled by queue and reason (full, inactive, rate_limited).",
	}, []string{"queue", "reason"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTasksAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "tasks_assigned_total",
		Help:      "Total assignments created, labelled by strategy.",
	}, []string{"strategy"})

	SchedulerTasksFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "tasks_finalized_total",
		Help:      "Total tasks reaching a terminal status, labelled by status.",
	}, []string{"status"})

	SchedulerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "retries_total",
		Help:      "Total task retry requeues scheduled.",
	})

	SchedulerNoWorkerTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "no_eligible_worker_total",
		Help:      "Ticks that found a task but no eligible worker.",
	})

	SchedulerAssignmentSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "assignment_duration_seconds",
		Help:      "Time from assignment creation to completion report.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// ─── Workers ─────────────────────────────────────────────────────────────────

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Open assignments per worker.",
	}, []string{"worker"})

	// ─── Recurring jobs ──────────────────────────────────────────────────────────

	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Total recurring-job runs, labelled by terminal status.",
	}, []string{"status"})

	JobRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "jobs",
		Name:      "retries_total",
		Help:      "Total recurring-job retry attempts scheduled.",
	})

	JobRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "jobs",
		Name:      "run_duration_seconds",
		Help:      "Recurring-job run duration.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)
