// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsRecorded tracks error events written to the error log
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_errors_recorded_total",
			Help: "Total number of error events recorded",
		},
		[]string{"category", "severity"},
	)

	// RecoveryOutcomes tracks how the recovery router handled each error
	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_recovery_outcomes_total",
			Help: "Total number of recovery attempts by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	// RetryAttempts tracks re-invocations of protected operations
	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_retry_attempts_total",
			Help: "Total number of transient-error retry attempts",
		},
	)

	// RateLimited tracks recoveries suppressed by the rate window
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_rate_limited_total",
			Help: "Total number of recoveries suppressed by the rate limiter",
		},
	)

	// Degradations tracks graceful degradation requests per service
	Degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_degradations_total",
			Help: "Total number of service degradations",
		},
		[]string{"service"},
	)

	// RestartAttempts tracks subsystem restarts by result
	RestartAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_restart_attempts_total",
			Help: "Total number of subsystem restart attempts",
		},
		[]string{"subsystem", "result"},
	)

	// TasksFinished tracks loop runs by outcome
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_tasks_finished_total",
			Help: "Total number of task loop runs by outcome",
		},
		[]string{"outcome"},
	)

	// FlagActive is 1 while a persistent flag is raised
	FlagActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_flag_active",
			Help: "Whether a persistent status flag is raised",
		},
		[]string{"flag"},
	)

	// WorkersBusy tracks task loops currently running in the worker pool
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_workers_busy",
			Help: "Number of task loops currently running",
		},
	)
)
