package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "suberase_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Upload Metrics
	VideoUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_video_uploads_total",
			Help: "Total number of source video uploads",
		},
		[]string{"status"},
	)

	VideoUploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "suberase_video_upload_size_bytes",
			Help:    "Size of uploaded videos in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 8), // 1MB to 128MB
		},
	)

	// Task Metrics
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_tasks_submitted_total",
			Help: "Total number of subtitle removal tasks submitted",
		},
		[]string{"provider", "status"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "suberase_task_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~40 minutes
		},
		[]string{"provider"},
	)

	TasksWatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "suberase_tasks_watched",
			Help: "Number of tasks currently followed by the background watcher",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "suberase_queue_depth",
			Help: "Messages waiting in the watch queues",
		},
		[]string{"queue"},
	)

	// Provider Metrics
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_provider_calls_total",
			Help: "Total number of calls to the inpainting provider",
		},
		[]string{"provider", "operation", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "suberase_provider_call_duration_seconds",
			Help:    "Inpainting provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider", "operation"},
	)

	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_webhooks_received_total",
			Help: "Provider completion callbacks by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Credit Metrics
	CreditsAdjustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_credits_adjusted_total",
			Help: "Sum of absolute credit movements by ledger entry type",
		},
		[]string{"type"},
	)

	LedgerRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "suberase_ledger_repairs_total",
			Help: "Number of balances corrected by the reconciliation sweep",
		},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "suberase_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "suberase_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suberase_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordUpload records a source video upload attempt
func RecordUpload(status string, size int64) {
	VideoUploadsTotal.WithLabelValues(status).Inc()
	if size > 0 {
		VideoUploadSizeBytes.Observe(float64(size))
	}
}

// RecordTaskSubmitted records a task submission outcome
func RecordTaskSubmitted(provider, status string) {
	TasksSubmittedTotal.WithLabelValues(provider, status).Inc()
}

// RecordTaskCompleted records a task reaching a terminal status
func RecordTaskCompleted(provider, status string, duration float64) {
	TasksCompletedTotal.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(provider).Observe(duration)
}

// RecordProviderCall records a call to the inpainting provider
func RecordProviderCall(provider, operation, status string, duration float64) {
	ProviderCallsTotal.WithLabelValues(provider, operation, status).Inc()
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(duration)
}

// RecordCreditAdjustment records a ledger movement
func RecordCreditAdjustment(entryType string, amount int) {
	if amount < 0 {
		amount = -amount
	}
	CreditsAdjustedTotal.WithLabelValues(entryType).Add(float64(amount))
}

// RecordQueueDepth records the backlog of a queue
func RecordQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordWebhook records an inbound provider callback
func RecordWebhook(provider, outcome string) {
	WebhooksReceivedTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordLedgerRepairs records balances fixed by reconciliation
func RecordLedgerRepairs(n int) {
	LedgerRepairsTotal.Add(float64(n))
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
