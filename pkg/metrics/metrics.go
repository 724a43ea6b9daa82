// Package metrics provides the Prometheus registry and HTTP handler for the
// batching scheduler. All metrics are defined in their respective packages
// (queue, scheduler, executor, backend, ratelimit, retry) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the scheduler.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Queue Metrics (pkg/queue):
//   - batcher_queue_depth (Gauge): Requests waiting in the queue
//
// Scheduler Metrics (pkg/scheduler):
//   - batcher_active_batches (Gauge): Batches currently executing
//   - batcher_requests_submitted_total{operation, priority} (Counter): Submitted requests
//   - batcher_flushes_total{result} (Counter): Flush cycles (dispatched, partial, deferred)
//   - batcher_queue_cleared_total (Counter): Requests rejected by a queue clear
//
// Executor Metrics (pkg/executor):
//   - batcher_batches_total{operation} (Counter): Executed batches
//   - batcher_batch_size{operation} (Histogram): Requests per batch
//   - batcher_request_failures_total{operation, kind} (Counter): Failed requests (transient, permanent, not_found)
//
// Backend Metrics (pkg/backend):
//   - batcher_backend_calls_total{operation, outcome} (Counter): Backend calls by outcome
//   - batcher_backend_call_duration_seconds{operation} (Histogram): Backend call duration
//
// Rate Limit Metrics (pkg/ratelimit):
//   - batcher_rate_limit_deferrals_total{reason} (Counter): Deferred dispatches (connections, per_minute, per_second)
//   - batcher_rate_limit_window_requests (Gauge): Requests recorded in the current minute window
//
// Retry Metrics (pkg/retry):
//   - batcher_retries_total{operation} (Counter): Requests scheduled for retry
//   - batcher_retry_backoff_seconds (Histogram): Backoff before re-enqueue
//   - batcher_retry_exhausted_total{operation} (Counter): Requests that exhausted their retries
//
// HTTP Metrics (cmd/batchd):
//   - batcher_http_requests_total{route, status} (Counter): API requests by route and status
//
// Example Prometheus Queries:
//
//   # Average batch size
//   sum(rate(batcher_batch_size_sum[5m])) / sum(rate(batcher_batch_size_count[5m]))
//
//   # Merge ratio (requests per backend call)
//   sum(rate(batcher_requests_submitted_total[5m])) / sum(rate(batcher_backend_calls_total[5m]))
//
//   # Rate limit pressure
//   sum by (reason) (rate(batcher_rate_limit_deferrals_total[5m]))
//
//   # P95 backend latency
//   histogram_quantile(0.95, rate(batcher_backend_call_duration_seconds_bucket[5m]))
