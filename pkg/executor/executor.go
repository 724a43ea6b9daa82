// Package executor turns a chunk of same-key requests into the fewest
// backend calls its operation allows and delivers every result back to the
// request it belongs to.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Prometheus metrics for batch execution.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_batches_total",
		Help: "Total batches executed by operation",
	}, []string{"operation"})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batcher_batch_size",
		Help:    "Number of requests per executed batch by operation",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	}, []string{"operation"})

	requestFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_request_failures_total",
		Help: "Total failed requests by operation and failure kind",
	}, []string{"operation", "kind"})
)

// Failure kinds.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
	FailureNotFound  = "not_found"
)

// FailureHandler receives requests whose backend call failed transiently.
type FailureHandler interface {
	HandleFailure(reqs []*request.Pending, cause error)
}

// Config holds executor settings.
type Config struct {
	// IDColumn is the identifier column rows are matched on. It follows the
	// backend's column and is not read from configuration files.
	IDColumn string `mapstructure:"-"`

	// FanOut bounds concurrent backend calls for requests that cannot be merged.
	FanOut int `mapstructure:"fan_out" validate:"min=1"`

	// CallTimeout bounds each backend call. Zero disables the timeout.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"min=0"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		IDColumn:    "id",
		FanOut:      10,
		CallTimeout: 15 * time.Second,
	}
}

// Executor dispatches chunks to a backend.
type Executor struct {
	backend  backend.Backend
	failures FailureHandler
	cfg      Config
	logger   zerolog.Logger
}

// New creates an executor. Transient failures go to failures.
func New(b backend.Backend, failures FailureHandler, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 10
	}
	return &Executor{
		backend:  b,
		failures: failures,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute dispatches chunk, whose members all share key, and completes or
// hands off every member exactly once. It returns the number of backend
// calls issued.
func (e *Executor) Execute(ctx context.Context, key request.ResourceKey, chunk []*request.Pending) int {
	if len(chunk) == 0 {
		return 0
	}
	batchesTotal.WithLabelValues(string(key.Operation)).Inc()
	batchSize.WithLabelValues(string(key.Operation)).Observe(float64(len(chunk)))

	start := time.Now()
	var calls int
	switch key.Operation {
	case request.OpSelect:
		calls = e.executeSelect(ctx, key.Resource, chunk)
	case request.OpInsert:
		calls = e.executeInsert(ctx, key.Resource, chunk)
	case request.OpUpdate:
		calls = e.executeUpdate(ctx, key.Resource, chunk)
	case request.OpDelete:
		calls = e.executeDelete(ctx, key.Resource, chunk)
	default:
		e.reject(chunk, fmt.Errorf("%w: unknown operation %q", request.ErrInvalidRequest, key.Operation))
	}

	e.logger.Debug().
		Str("resource", key.Resource).
		Str("operation", string(key.Operation)).
		Int("batch_size", len(chunk)).
		Int("backend_calls", calls).
		Dur("duration", time.Since(start)).
		Msg("Batch executed")
	return calls
}

// callCtx applies the per-call timeout.
func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// fail routes a failed backend call: permanent errors and shutdown reach the
// callers directly, everything else goes to the failure handler.
func (e *Executor) fail(ctx context.Context, op request.Operation, reqs []*request.Pending, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		e.reject(reqs, fmt.Errorf("%w: %v", request.ErrSchedulerClosed, err))
		return
	}

	if backend.IsPermanent(err) {
		requestFailuresTotal.WithLabelValues(string(op), FailurePermanent).Add(float64(len(reqs)))
		e.logger.Error().
			Err(err).
			Str("operation", string(op)).
			Int("requests", len(reqs)).
			Msg("Backend call failed permanently")
		e.reject(reqs, err)
		return
	}

	requestFailuresTotal.WithLabelValues(string(op), FailureTransient).Add(float64(len(reqs)))
	e.logger.Warn().
		Err(err).
		Str("operation", string(op)).
		Int("requests", len(reqs)).
		Msg("Backend call failed, handing requests to retry")
	e.failures.HandleFailure(reqs, err)
}

func (e *Executor) reject(reqs []*request.Pending, err error) {
	for _, p := range reqs {
		p.Reject(err)
	}
}

func (e *Executor) notFound(op request.Operation, resource string, p *request.Pending, id string) {
	requestFailuresTotal.WithLabelValues(string(op), FailureNotFound).Inc()
	p.Reject(&request.NotFoundError{Resource: resource, ID: id})
}

// indexByID maps rows by the string form of their identifier.
func (e *Executor) indexByID(rows []request.Row) map[string]request.Row {
	index := make(map[string]request.Row, len(rows))
	for _, row := range rows {
		index[fmt.Sprint(row[e.cfg.IDColumn])] = row
	}
	return index
}

// uniqueIDs returns the distinct identifiers in submission order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// project copies row keeping only cols; empty cols keeps every column.
func project(row request.Row, cols []string) request.Row {
	if len(cols) == 0 {
		out := make(request.Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(request.Row, len(cols))
	for _, c := range cols {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}
