// Package metrics provides Prometheus metrics for the fern pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowExecutionsTotal tracks finished workflow executions by terminal state
	WorkflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Total number of workflow executions by terminal state",
		},
		[]string{"state"},
	)

	// WorkflowExecutionDuration tracks end-to-end execution time
	WorkflowExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "workflow",
			Name:      "execution_duration_seconds",
			Help:      "Duration of workflow executions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// HTTPRequestsTotal tracks inbound API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestDuration tracks inbound API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// StageDuration tracks the duration of each workflow stage
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Duration of workflow stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"stage", "success"},
	)

	// FilesLoadedTotal tracks source files by load outcome
	FilesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "loader",
			Name:      "files_total",
			Help:      "Total number of source files processed by the bulk loader",
		},
		[]string{"dataset", "status"},
	)

	// RowsStagedTotal tracks rows written into staging
	RowsStagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "loader",
			Name:      "rows_staged_total",
			Help:      "Total number of rows bulk loaded into staging tables",
		},
		[]string{"dataset"},
	)

	// RowsMergedTotal tracks rows upserted into canonical tables
	RowsMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "rows_total",
			Help:      "Total number of rows upserted into canonical tables",
		},
		[]string{"table"},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// TriggersTotal tracks execution trigger attempts
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "trigger",
			Name:      "requests_total",
			Help:      "Total number of execution trigger attempts",
		},
		[]string{"source", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

func RecordWorkflowExecution(state string, durationSeconds float64) {
	WorkflowExecutionsTotal.WithLabelValues(state).Inc()
	WorkflowExecutionDuration.Observe(durationSeconds)
}

func RecordStage(stage string, success bool, durationSeconds float64) {
	label := "false"
	if success {
		label = "true"
	}
	StageDuration.WithLabelValues(stage, label).Observe(durationSeconds)
}

func RecordFile(dataset, status string, rows int64) {
	FilesLoadedTotal.WithLabelValues(dataset, status).Inc()
	if rows > 0 {
		RowsStagedTotal.WithLabelValues(dataset).Add(float64(rows))
	}
}

func RecordMerge(table string, rows int64) {
	RowsMergedTotal.WithLabelValues(table).Add(float64(rows))
}

func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

func RecordTrigger(source, status string) {
	TriggersTotal.WithLabelValues(source, status).Inc()
}

func RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
