// Package metrics provides Prometheus metrics for the fleetwatch service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DescriptorsIngested tracks ingested device descriptors by table and status
	DescriptorsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      "descriptors_total",
			Help:      "Total number of device descriptors ingested by table and status",
		},
		[]string{"table", "status"},
	)

	// IngestDuration tracks descriptor ingest duration in seconds
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of descriptor ingests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"table"},
	)

	// SchemaColumnsAdded tracks runtime column additions by table
	SchemaColumnsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "schema",
			Name:      "columns_added_total",
			Help:      "Total number of columns added to dynamic tables at runtime",
		},
		[]string{"table"},
	)

	// StaleSkipsTotal tracks descriptors skipped by the freshness guard
	StaleSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      "stale_skips_total",
			Help:      "Total number of descriptors skipped because the stored row was newer",
		},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// ClientSyncTotal tracks client directory refresh outcomes
	ClientSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "clientsync",
			Name:      "refreshes_total",
			Help:      "Total number of client directory refreshes by status",
		},
		[]string{"status"},
	)

	// ClientSyncQueueDepth tracks the registration queue backlog
	ClientSyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "clientsync",
			Name:      "queue_depth",
			Help:      "Number of endpoints waiting for registration",
		},
	)

	// ExpiringDevices tracks the size of the last expiring-storage report
	ExpiringDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "expiry",
			Name:      "expiring_devices",
			Help:      "Number of devices in the last expiring-storage report",
		},
	)

	// BitrixTasksCreated tracks replacement tasks created in Bitrix24
	BitrixTasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "bitrix",
			Name:      "tasks_created_total",
			Help:      "Total number of replacement tasks created by status",
		},
		[]string{"status"},
	)

	// FTPFilesProcessed tracks descriptor files pulled from the FTP drop
	FTPFilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "ftp",
			Name:      "files_processed_total",
			Help:      "Total number of FTP descriptor files processed by status",
		},
		[]string{"status"},
	)

	// KafkaMessagesConsumed tracks descriptor messages consumed from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka by status",
		},
		[]string{"topic", "status"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordIngest records a descriptor ingest outcome
func RecordIngest(table, status string, durationSeconds float64) {
	DescriptorsIngested.WithLabelValues(table, status).Inc()
	IngestDuration.WithLabelValues(table).Observe(durationSeconds)
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordKafkaMessage records a consumed Kafka message
func RecordKafkaMessage(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}
