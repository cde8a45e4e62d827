package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Engine ──────────────────────────────────────────────────────────────

	EngineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "engine",
		Name:      "transitions_total",
		Help:      "Committed task state transitions, labelled by target state.",
	}, []string{"to"})

	EngineStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "engine",
		Name:      "stale_transitions_total",
		Help:      "Transition attempts lost to another caller or duplicate signal.",
	})

	EngineTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronos",
		Subsystem: "engine",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed by this instance.",
	})

	EngineTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chronos",
		Subsystem: "engine",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"type", "outcome"})

	EngineRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "engine",
		Name:      "retries_total",
		Help:      "Tasks routed back through RETRYING.",
	})

	// ─── Reconciler ──────────────────────────────────────────────────────────

	ReconcilerSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "reconciler",
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps executed.",
	})

	ReconcilerRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "reconciler",
		Name:      "recovered_total",
		Help:      "Stuck tasks repaired by the sweep, labelled by disposition.",
	}, []string{"disposition"})

	// ─── API ─────────────────────────────────────────────────────────────────

	APIWorkflowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "api",
		Name:      "workflows_created_total",
		Help:      "Workflows created through the API.",
	})

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Tasks added to workflows through the API.",
	}, []string{"type"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Task submissions rejected by the per-workflow rate limiter.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────

	SchedulerFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Subsystem: "scheduler",
		Name:      "workflows_fired_total",
		Help:      "Scheduled workflows fired by the cron leader.",
	})
)
