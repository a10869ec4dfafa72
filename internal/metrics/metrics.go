// Package metrics holds the Prometheus collectors shared by the controller
// and the worker, and the /metrics endpoint that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Worker ──────────────────────────────────────────────────────────────────

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks executed, labelled by platform and outcome (success, failed, login_expired).",
	}, []string{"platform", "outcome"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "worker",
		Name:      "task_retries_total",
		Help:      "Task attempts that were retried after a timeout or network error.",
	}, []string{"platform"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tether",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Whole logical task execution time, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 95},
	}, []string{"platform"})

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "connection",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect timers armed after a socket failure.",
	})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tether",
		Subsystem: "connection",
		Name:      "connected",
		Help:      "1 while the worker socket to the server is open.",
	})

	// ─── Controller ──────────────────────────────────────────────────────────────

	WorkerLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "controller",
		Name:      "worker_launches_total",
		Help:      "EnsureWorkerAlive outcomes (launched, reclaimed, exists, deferred, failed).",
	}, []string{"result"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "controller",
		Name:      "worker_restarts_total",
		Help:      "Restart requests, labelled by result (restarted, not_manual, not_armed, failed).",
	}, []string{"result"})

	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "controller",
		Name:      "captures_total",
		Help:      "Capture correlation outcomes (resolved, timeout, superseded, cached).",
	}, []string{"outcome"})
)
