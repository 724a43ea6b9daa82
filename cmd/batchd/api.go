package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/metrics"
	"github.com/Sternrassler/quota-batcher/pkg/request"
	"github.com/Sternrassler/quota-batcher/pkg/scheduler"
)

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "batcher_http_requests_total",
	Help: "Total API requests by route and status",
}, []string{"route", "status"})

// requestTimeout bounds how long a caller waits for its result.
const requestTimeout = 60 * time.Second

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type api struct {
	scheduler *scheduler.Scheduler
	checks    map[string]HealthCheck
	logger    zerolog.Logger
}

// newRouter builds the HTTP API in front of s.
func newRouter(s *scheduler.Scheduler, checks map[string]HealthCheck, logger zerolog.Logger) http.Handler {
	a := &api{scheduler: s, checks: checks, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.observe)

	r.Get("/health", a.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/resources/{resource}/{operation}", a.submit)
		r.Get("/status", a.status)
		r.Delete("/queue", a.clearQueue)
		r.Get("/config", a.getConfig)
		r.Patch("/config", a.patchConfig)
	})
	return r
}

// observe counts and logs every request by its route pattern.
func (a *api) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

		a.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status_code", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// submitBody carries the fields of every operation; the path selects which apply.
type submitBody struct {
	Priority string         `json:"priority"`
	ID       string         `json:"id"`
	Filter   request.Filter `json:"filter"`
	Columns  []string       `json:"columns"`
	OrderBy  string         `json:"order_by"`
	Desc     bool           `json:"desc"`
	Limit    int            `json:"limit"`
	Rows     []request.Row  `json:"rows"`
	Patch    request.Row    `json:"patch"`
}

func (b submitBody) params(op request.Operation) request.Params {
	switch op {
	case request.OpSelect:
		return request.SelectParams{ID: b.ID, Filter: b.Filter, Columns: b.Columns, OrderBy: b.OrderBy, Desc: b.Desc, Limit: b.Limit}
	case request.OpInsert:
		return request.InsertParams{Rows: b.Rows}
	case request.OpUpdate:
		return request.UpdateParams{ID: b.ID, Filter: b.Filter, Patch: b.Patch}
	case request.OpDelete:
		return request.DeleteParams{ID: b.ID, Filter: b.Filter}
	default:
		return nil
	}
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	op, err := request.ParseOperation(chi.URLParam(r, "operation"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body submitBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: decode body: %v", request.ErrInvalidRequest, err))
			return
		}
	}
	priority, err := request.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := a.scheduler.Do(ctx, resource, body.params(op), priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *api) clearQueue(w http.ResponseWriter, _ *http.Request) {
	n := a.scheduler.ClearQueue()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// configView renders durations as strings.
type configView struct {
	MaxBatchSize         int    `json:"max_batch_size"`
	BatchWindow          string `json:"batch_window"`
	MaxConcurrentBatches int    `json:"max_concurrent_batches"`
	RetryAttempts        int    `json:"retry_attempts"`
	RetryDelay           string `json:"retry_delay"`
	MaxRetryDelay        string `json:"max_retry_delay"`
}

func viewOf(c scheduler.Config) configView {
	return configView{
		MaxBatchSize:         c.MaxBatchSize,
		BatchWindow:          c.BatchWindow.String(),
		MaxConcurrentBatches: c.MaxConcurrentBatches,
		RetryAttempts:        c.RetryAttempts,
		RetryDelay:           c.RetryDelay.String(),
		MaxRetryDelay:        c.MaxRetryDelay.String(),
	}
}

func (a *api) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(a.scheduler.Config()))
}

func (a *api) patchConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", request.ErrInvalidRequest, err))
		return
	}

	patch, err := decodePatch(raw)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", request.ErrInvalidRequest, err))
		return
	}
	if patch.Empty() {
		writeError(w, fmt.Errorf("%w: patch sets no field", request.ErrInvalidRequest))
		return
	}
	if err := a.scheduler.UpdateConfig(patch); err != nil {
		writeError(w, fmt.Errorf("%w: %v", request.ErrInvalidRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.scheduler.Config()))
}

// decodePatch maps a JSON object onto a ConfigPatch. Durations may be given
// as strings ("50ms") or as nanoseconds.
func decodePatch(raw map[string]any) (scheduler.ConfigPatch, error) {
	var patch scheduler.ConfigPatch
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &patch,
	})
	if err != nil {
		return patch, err
	}
	if err := dec.Decode(raw); err != nil {
		return patch, err
	}
	return patch, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if a.scheduler.IsClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.logger.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			http.Error(w, fmt.Sprintf("%s unavailable", name), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// statusFor maps an error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, request.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, request.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, request.ErrQueueCleared), errors.Is(err, request.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, request.ErrRetryExhausted), errors.Is(err, request.ErrResultMismatch):
		return http.StatusBadGateway
	case backend.IsPermanent(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
