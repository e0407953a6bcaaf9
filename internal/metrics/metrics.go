// Package metrics provides Prometheus metrics for the mirror service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fvsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Remote API metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_remote_requests_total",
			Help: "Requests sent to the case-management API",
		},
		[]string{"method", "status"},
	)

	remoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_remote_retries_total",
			Help: "Retries against the case-management API by reason",
		},
		[]string{"reason"},
	)

	credentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_credential_refreshes_total",
			Help: "Credential refresh attempts after a 401",
		},
		[]string{"result"},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fvsync_content_bytes_downloaded_total",
			Help: "Document bytes fetched from download links",
		},
	)

	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_sync_runs_total",
			Help: "Full project syncs by outcome",
		},
		[]string{"status"},
	)

	syncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fvsync_sync_run_duration_seconds",
			Help:    "Full project sync duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_documents_total",
			Help: "Documents processed by outcome",
		},
		[]string{"result"},
	)

	foldersDiscovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fvsync_folders_discovered",
			Help: "Folders discovered by the most recent tree walk",
		},
	)

	// Webhook metrics
	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_webhook_events_total",
			Help: "Webhook events by routing decision",
		},
		[]string{"decision"},
	)

	seedQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fvsync_seed_queue_depth",
			Help: "Background sync jobs waiting to run",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fvsync_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fvsync_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRemoteRequest records one attempt against the remote API. code is 0
// for transport failures.
func RecordRemoteRequest(method string, code int) {
	remoteRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RecordRetry counts a retry. reason is "rate_limited", "server_error",
// "network" or a caller-specific label.
func RecordRetry(reason string) {
	remoteRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordCredentialRefresh records the outcome of a credential refresh.
func RecordCredentialRefresh(success bool) {
	credentialRefreshesTotal.WithLabelValues(status(success)).Inc()
}

// RecordContentDownload records fetched document bytes.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordSyncRun records a finished full sync.
func RecordSyncRun(duration time.Duration, success bool) {
	syncRunsTotal.WithLabelValues(status(success)).Inc()
	syncRunDuration.Observe(duration.Seconds())
}

// RecordDocument records a per-document outcome: uploaded, failed or skipped.
func RecordDocument(result string) {
	documentsTotal.WithLabelValues(result).Inc()
}

// SetFoldersDiscovered sets the size of the last discovered folder map.
func SetFoldersDiscovered(n int) {
	foldersDiscovered.Set(float64(n))
}

// RecordWebhookDecision counts a routed webhook event.
func RecordWebhookDecision(decision string) {
	webhookEventsTotal.WithLabelValues(decision).Inc()
}

// SetSeedQueueDepth sets the number of queued background syncs.
func SetSeedQueueDepth(n int) {
	seedQueueDepth.Set(float64(n))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
