// Package metrics defines custom Prometheus metrics for SnapStore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for blob size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// Admin HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts admin HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_http_requests_total",
			Help: "Total admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapstore_http_request_duration_seconds",
			Help:    "Admin request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Bucket operation metrics.
var (
	// BucketOperationsTotal counts remote calls by operation and status
	// ("success" or "error").
	BucketOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_bucket_operations_total",
			Help: "Remote bucket operations by type",
		},
		[]string{"operation", "status"},
	)

	BucketOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapstore_bucket_operation_duration_seconds",
			Help:    "Remote bucket operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// BlobBytes observes the declared size of written blobs and the size of
	// read blobs, labelled by direction ("read" or "write").
	BlobBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapstore_blob_size_bytes",
			Help:    "Blob sizes transferred",
			Buckets: sizeBuckets,
		},
		[]string{"direction"},
	)

	// DeleteBatchesTotal counts bulk delete chunks by status.
	DeleteBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_delete_batches_total",
			Help: "Bulk delete chunks issued",
		},
		[]string{"status"},
	)
)

// Credential session metrics.
var (
	// CredentialRefreshTotal counts refresh attempts by result
	// ("success", "error" or "skipped" when another caller already refreshed).
	CredentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_credential_refresh_total",
			Help: "Credential refresh attempts by result",
		},
		[]string{"result"},
	)

	// CredentialExpiry is the Unix time at which the current session's
	// credentials expire, or 0 when they do not expire.
	CredentialExpiry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapstore_credential_expiry_timestamp_seconds",
			Help: "Expiry of the installed credentials as a Unix timestamp",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			BucketOperationsTotal,
			BucketOperationDuration,
			BlobBytes,
			DeleteBatchesTotal,
			CredentialRefreshTotal,
			CredentialExpiry,
		)
		// Initialize so the series appear in /metrics output before the
		// first refresh.
		CredentialRefreshTotal.WithLabelValues("success")
		CredentialRefreshTotal.WithLabelValues("error")
	})
}

// NormalizePath maps admin request paths to fixed templates suitable for use
// as Prometheus metric labels.
func NormalizePath(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/v1/blobs", "/v1/refresh", "/v1/session":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/v1/") {
		return "/v1/{other}"
	}
	return "/{other}"
}
