package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Transition coordinator ──────────────────────────────────────────────────

	TransitionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "transition",
		Name:      "runs_total",
		Help:      "Background sojourn runs, labelled by outcome.",
	}, []string{"outcome"})

	TransitionBudgetDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "transition",
		Name:      "budget_denied_total",
		Help:      "Background budget requests refused by the host.",
	})

	TransitionForcedReleaseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "transition",
		Name:      "forced_release_total",
		Help:      "Budgets released by the expiry grace timer before the executor resolved.",
	})

	TransitionNoticesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "transition",
		Name:      "unsent_notices_total",
		Help:      "Unsent-items notices requested after a background timeout.",
	})

	// ─── Recurring scheduler ─────────────────────────────────────────────────────

	RecurringInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "recurring",
		Name:      "invocations_total",
		Help:      "Host invocations of the recurring handler, labelled by outcome.",
	}, []string{"outcome"})

	RecurringSubmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "recurring",
		Name:      "submits_total",
		Help:      "Submit calls, labelled by result (submitted, deduplicated, error).",
	}, []string{"result"})

	RecurringSessionWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bgrunner",
		Subsystem: "recurring",
		Name:      "session_wait_seconds",
		Help:      "Time spent waiting for a session, labelled by how the wait resolved.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resolution"})

	// ─── Executor ────────────────────────────────────────────────────────────────

	ExecutorRunDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bgrunner",
		Subsystem: "executor",
		Name:      "run_duration_seconds",
		Help:      "Executor run time in seconds, labelled by trigger.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"trigger"})

	ExecutorItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "executor",
		Name:      "items_total",
		Help:      "Outbox items handled, labelled by kind and result.",
	}, []string{"kind", "result"})

	ExecutorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "executor",
		Name:      "retries_total",
		Help:      "Send retry attempts.",
	}, []string{"kind"})

	ExecutorPendingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bgrunner",
		Subsystem: "executor",
		Name:      "pending_items",
		Help:      "Outbox items still pending after the last run.",
	})

	// ─── Host facilities ─────────────────────────────────────────────────────────

	HostBudgetsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bgrunner",
		Subsystem: "host",
		Name:      "budgets_inflight",
		Help:      "Background budgets granted and not yet released.",
	})

	HostCompletionViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "host",
		Name:      "completion_violations_total",
		Help:      "Budgets or tasks finished twice or never, labelled by facility and kind.",
	}, []string{"facility", "kind"})

	HostDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "host",
		Name:      "dispatches_total",
		Help:      "Recurring task dispatches, labelled by completion result.",
	}, []string{"result"})

	NotifierNoticesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgrunner",
		Subsystem: "notifier",
		Name:      "notices_total",
		Help:      "Unsent-items notices, labelled by result (published, rate_limited, error).",
	}, []string{"result"})
)
