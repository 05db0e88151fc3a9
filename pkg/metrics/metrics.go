package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	MQPublishedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_published_total",
			Help: "Messages published to the events exchange",
		},
		[]string{"routing_key", "status"},
	)

	// Draft generator latency, milliseconds
	DraftGenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "draft_generation_latency_ms",
			Help:    "Draft generator call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	EmailSendCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_email_send_total",
			Help: "Automated follow-up sends by outcome",
		},
		[]string{"status"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	FollowupCreatedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_created_total",
			Help: "Followups created by type",
		},
		[]string{"type"},
	)

	ExecutionTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_execution_transitions_total",
			Help: "Execution state transitions by target status",
		},
		[]string{"status"},
	)

	ReminderDeliveredCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_reminder_delivered_total",
			Help: "Reminder deliveries by outcome",
		},
		[]string{"status"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Duration of one scheduler sweep",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	SweepRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweep_runs_total",
			Help: "Scheduler sweeps by result",
		},
		[]string{"result"}, // ok, aborted, skipped
	)

	SweepItemErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweep_item_errors_total",
			Help: "Per-item failures isolated during a sweep",
		},
		[]string{"phase"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementMQPublished(routingKey, status string) {
	MQPublishedCount.WithLabelValues(routingKey, status).Inc()
}

func RecordDraftGeneration(provider, status string, duration time.Duration) {
	DraftGenerationLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

func IncrementEmailSend(status string) {
	EmailSendCount.WithLabelValues(status).Inc()
}

// IncrementSlowQuery counts a slow query under its leading SQL keyword.
func IncrementSlowQuery(operation string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(operation).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementFollowupCreated(followupType string) {
	FollowupCreatedCount.WithLabelValues(followupType).Inc()
}

func IncrementExecutionTransition(status string) {
	ExecutionTransitionCount.WithLabelValues(status).Inc()
}

func IncrementReminderDelivered(status string) {
	ReminderDeliveredCount.WithLabelValues(status).Inc()
}

func RecordSweep(result string, duration time.Duration) {
	SweepRunCount.WithLabelValues(result).Inc()
	if result == "ok" {
		SweepDuration.Observe(duration.Seconds())
	}
}

func IncrementSweepItemError(phase string) {
	SweepItemErrorCount.WithLabelValues(phase).Inc()
}
