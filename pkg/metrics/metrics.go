package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs by terminal status and trigger
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_runs_total",
		Help: "Total number of sync runs by final status and sync type",
	}, []string{"status", "sync_type", "table"})

	// RunDuration measures wall time from run start to finish
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erp_sync_run_duration_seconds",
		Help:    "Duration of sync runs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"table"})

	// RecordsTotal tracks the record-level outcome of runs
	// Labels: action = created, updated, unchanged, deleted
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_records_total",
		Help: "Total number of records written by the sync executor",
	}, []string{"action", "table"})

	// BatchSize tracks the number of rows written per committed batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "erp_sync_batch_size",
		Help:    "Number of records per write batch",
		Buckets: []float64{1, 10, 50, 100, 200, 500, 1000},
	})

	// BatchFailures counts write batches that were rolled back
	BatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_batch_failures_total",
		Help: "Total number of write batches that failed and were skipped",
	}, []string{"table"})

	// BinaryDownloadErrors counts failures of the blob side channel
	BinaryDownloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_binary_download_errors_total",
		Help: "Total number of failed binary field retrievals",
	}, []string{"table"})

	// FieldsApplied tracks schema migrations by result (applied/failed)
	FieldsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_fields_applied_total",
		Help: "Total number of pending field applications by result",
	}, []string{"result", "table"})

	// FlagsRepaired counts stale is_new_record markers cleared by reconciliation
	FlagsRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_flags_repaired_total",
		Help: "Total number of stale new-record flags cleared",
	}, []string{"table"})

	// StuckRuns is the number of runs currently exceeding the long-running threshold
	// Operators should consider force-terminating them
	StuckRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_sync_stuck_runs",
		Help: "Current number of running syncs over the long-running threshold",
	})

	// ForcedTerminations counts operator force-terminate calls that changed a run
	ForcedTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_sync_forced_terminations_total",
		Help: "Total number of runs terminated by an operator",
	})

	// HealthStatus provides a binary 0/1 signal for the broker link
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_sync_broker_healthy",
		Help: "Current health of the RabbitMQ link (1 for healthy, 0 for unhealthy)",
	})

	// RabbitMQReconnections counts how many times a service had to restore the broker link
	RabbitMQReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_sync_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})
)
