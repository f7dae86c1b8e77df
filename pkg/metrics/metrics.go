package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connect metrics
var (
	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_connect_attempts_total",
			Help: "Total number of driver connect attempts",
		},
		[]string{"daemon", "result"},
	)

	ConnectCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_connect_cycles_total",
			Help: "Total number of completed connect cycles",
		},
		[]string{"daemon", "result"},
	)

	ConnectCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connd_connect_cycle_duration_seconds",
			Help:    "Duration of connect cycles in seconds, retries included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"daemon"},
	)

	Connected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connd_connected",
			Help: "Whether the daemon currently holds a healthy connection (1) or not (0)",
		},
		[]string{"daemon"},
	)
)

// Request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_requests_total",
			Help: "Total number of connection requests by how they were served",
		},
		[]string{"daemon", "source"},
	)

	WaitersCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connd_waiters_current",
			Help: "Number of requests queued behind the in-flight connect cycle",
		},
		[]string{"daemon"},
	)
)

// Heartbeat metrics
var (
	HeartbeatProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_heartbeat_probes_total",
			Help: "Total number of liveness probes performed",
		},
		[]string{"daemon", "result"},
	)

	HeartbeatProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connd_heartbeat_probe_duration_seconds",
			Help:    "Duration of liveness probes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"daemon"},
	)

	ConnectionLossesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_connection_losses_total",
			Help: "Total number of connections discarded after a failed probe",
		},
		[]string{"daemon"},
	)

	CloseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_close_errors_total",
			Help: "Total number of errors while closing discarded connections",
		},
		[]string{"daemon"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connd_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connd_storage_operation_errors_total",
			Help: "Total number of storage operation errors by type",
		},
		[]string{"operation", "error_type"},
	)
)
