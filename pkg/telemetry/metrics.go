package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIComputationsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "api",
		Name:      "computations_requested_total",
		Help:      "Total computation requests, labelled by area type and outcome status.",
	}, []string{"area_type", "status"})

	APICacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "api",
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups, labelled hit or miss.",
	}, []string{"outcome"})

	APICacheCleared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "api",
		Name:      "cache_cleared_total",
		Help:      "Operator-triggered cache purges.",
	})

	// ─── Lifecycle ───────────────────────────────────────────────────────────────

	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Record state transitions, labelled by resulting status.",
	}, []string{"to"})

	LifecycleEngineSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "lifecycle",
		Name:      "engine_submits_total",
		Help:      "Submissions to the external engine, labelled by area type and outcome.",
	}, []string{"area_type", "outcome"})

	LifecycleSubmitLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "lifecycle",
		Name:      "submit_limited_total",
		Help:      "Submissions rejected by the sliding-window limiter.",
	})

	LifecycleSubmitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "erosionflow",
		Subsystem: "lifecycle",
		Name:      "engine_submit_seconds",
		Help:      "Latency of the synchronous engine submit call.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilerSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "reconciler",
		Name:      "sweeps_total",
		Help:      "Status sweeps executed while holding leadership.",
	})

	ReconcilerRecordsPolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "reconciler",
		Name:      "records_polled_total",
		Help:      "In-flight records polled against the engine, labelled by resulting state.",
	}, []string{"state"})

	ReconcilerNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erosionflow",
		Subsystem: "reconciler",
		Name:      "notifications_total",
		Help:      "Failure notifications posted to the operator webhook.",
	}, []string{"outcome"})
)
