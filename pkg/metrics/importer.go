package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportDuration tracks the end-to-end latency of an import message, from delivery to ack
	ImportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erp_import_processing_duration_seconds",
		Help:    "Time taken to process an import batch from reception to run completion",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300},
	}, []string{"status", "sync_type"}) // status: success, fatal_error, transient_error

	// ImportMessages tracks the throughput and result of import consumption
	ImportMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_import_messages_total",
		Help: "Total number of import messages consumed",
	}, []string{"status"}) // status: success, duplicate, fatal, transient
)
