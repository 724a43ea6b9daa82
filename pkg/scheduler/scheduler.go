// Package scheduler coalesces concurrent backend requests into batches.
//
// Callers Submit requests and receive a request.Future. Requests are grouped
// by resource key in a queue and flushed either as soon as the queue depth
// reaches MaxBatchSize or after a debounce window. Each flush is gated by a
// concurrency ceiling and by the rate limiter; blocked work goes back into the
// queue and is retried later, it is never dropped. Failed batches are handed
// to the retry manager, which re-enqueues them with high priority and
// exponential backoff until their attempts run out.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/executor"
	"github.com/Sternrassler/quota-batcher/pkg/queue"
	"github.com/Sternrassler/quota-batcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-batcher/pkg/request"
	"github.com/Sternrassler/quota-batcher/pkg/retry"
)

// Prometheus metrics for scheduling.
var (
	activeBatchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batcher_active_batches",
		Help: "Number of batches currently executing",
	})

	requestsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_requests_submitted_total",
		Help: "Total requests submitted by operation and priority",
	}, []string{"operation", "priority"})

	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_flushes_total",
		Help: "Total flush cycles by result",
	}, []string{"result"})

	queueClearedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batcher_queue_cleared_total",
		Help: "Total requests rejected by a queue clear",
	})
)

// Flush results.
const (
	flushDispatched = "dispatched"
	flushDeferred   = "deferred"
	flushPartial    = "partial"
)

// minDeferral keeps a zero window from spinning while work is blocked.
const minDeferral = time.Millisecond

// Options wires the scheduler to its collaborators.
type Options struct {
	// Backend executes the batched calls (REQUIRED).
	Backend backend.Backend

	// Config is the initial scheduling snapshot.
	Config Config

	// RateLimit holds the backend ceilings.
	RateLimit ratelimit.Config

	// WindowStore keeps the per-minute window. Nil keeps it in memory.
	WindowStore ratelimit.WindowStore

	// Executor configures batch execution.
	Executor executor.Config

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns default options for b.
func DefaultOptions(b backend.Backend) Options {
	return Options{
		Backend:   b,
		Config:    DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Executor:  executor.DefaultConfig(),
	}
}

// Status is a read-only snapshot of the scheduler.
type Status struct {
	Pending                    int            `json:"pending"`
	ActiveBatches              int            `json:"active_batches"`
	EstimatedRequestsPerMinute int            `json:"estimated_requests_per_minute"`
	RetryWaiting               int            `json:"retry_waiting"`
	Buckets                    map[string]int `json:"buckets"`

	// Blocked names the rate limit ceilings currently holding back dispatch.
	Blocked []string `json:"blocked,omitempty"`
}

// Scheduler owns the queue, the rate limiter state and the live config.
type Scheduler struct {
	cfg      *atomic.Pointer[Config]
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	executor *executor.Executor
	retries  *retry.Manager
	logger   zerolog.Logger

	active       *atomic.Int32
	closed       *atomic.Bool
	flushPending *atomic.Bool

	// lifecycle orders enqueues against Close.
	lifecycle sync.RWMutex

	// flushMu serializes flush, ClearQueue and Close.
	flushMu sync.Mutex

	timerMu sync.Mutex
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "scheduler").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := opts.Config
	s := &Scheduler{
		cfg:     atomic.NewPointer(&cfg),
		queue:   queue.New(),
		limiter: ratelimit.NewLimiter(opts.RateLimit, opts.WindowStore, logger.With().Str("component", "ratelimit").Logger()),
		logger:  logger,
		active:  atomic.NewInt32(0),
		closed:  atomic.NewBool(false),
		ctx:     ctx,
		cancel:  cancel,

		flushPending: atomic.NewBool(false),
	}
	s.retries = retry.NewManager(s, s.retryPolicy, logger.With().Str("component", "retry").Logger())
	s.executor = executor.New(opts.Backend, s.retries, opts.Executor, logger.With().Str("component", "executor").Logger())

	s.logger.Info().
		Int("max_batch_size", cfg.MaxBatchSize).
		Dur("batch_window", cfg.BatchWindow).
		Int("max_concurrent_batches", cfg.MaxConcurrentBatches).
		Int("retry_attempts", cfg.RetryAttempts).
		Dur("retry_delay", cfg.RetryDelay).
		Msg("Scheduler started")

	return s, nil
}

// Config returns the current configuration snapshot.
func (s *Scheduler) Config() Config {
	return *s.cfg.Load()
}

func (s *Scheduler) retryPolicy() retry.Policy {
	cfg := s.cfg.Load()
	return retry.Policy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryDelay,
		MaxDelay:  cfg.MaxRetryDelay,
	}
}

// Submit enqueues a request and returns its completion handle. It never
// blocks. Invalid requests and requests submitted after Close get a future
// that is already rejected.
func (s *Scheduler) Submit(resource string, params request.Params, priority request.Priority) *request.Future {
	p := request.NewPending(resource, params, priority, time.Now())
	if err := p.Validate(); err != nil {
		return request.Rejected(err)
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	if s.closed.Load() {
		return request.Rejected(request.ErrSchedulerClosed)
	}

	requestsSubmittedTotal.WithLabelValues(string(p.Key.Operation), p.Priority.String()).Inc()
	total := s.queue.Enqueue(p)
	s.logger.Debug().
		Str("request_id", p.ID).
		Str("resource", resource).
		Str("operation", string(p.Key.Operation)).
		Str("priority", priority.String()).
		Int("pending", total).
		Msg("Request enqueued")

	s.trigger(total)
	return p.Future()
}

// Do submits a request and waits for its result.
func (s *Scheduler) Do(ctx context.Context, resource string, params request.Params, priority request.Priority) (request.Result, error) {
	return s.Submit(resource, params, priority).Wait(ctx)
}

// Requeue takes retried requests back into the queue. It implements retry.Requeuer.
func (s *Scheduler) Requeue(reqs []*request.Pending) {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	if s.closed.Load() {
		for _, p := range reqs {
			p.Reject(request.ErrSchedulerClosed)
		}
		return
	}

	total := s.queue.Restore(reqs)
	s.logger.Debug().
		Int("requests", len(reqs)).
		Int("pending", total).
		Msg("Retried requests re-enqueued")
	s.trigger(total)
}

// trigger starts an immediate flush once total reaches the batch size and
// restarts the debounce window otherwise. While an immediate flush is
// pending, further enqueues ride along with it.
func (s *Scheduler) trigger(total int) {
	cfg := s.cfg.Load()
	if total >= cfg.MaxBatchSize {
		if s.flushPending.CompareAndSwap(false, true) {
			s.stopTimer()
			go s.flush()
		}
		return
	}
	if s.flushPending.Load() {
		return
	}
	s.arm(cfg.BatchWindow)
}

// arm replaces the shared timer with one firing after d.
func (s *Scheduler) arm(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed.Load() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.flush)
}

func (s *Scheduler) stopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flush drains the queue and dispatches every chunk that gets a
// concurrency slot and a rate limit reservation for all of its backend
// calls. Chunks planning more calls than one reservation can hold are split
// first. The first blocked chunk and everything after it go back into the
// queue.
func (s *Scheduler) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.flushPending.Store(false)
	if s.closed.Load() || s.queue.Len() == 0 {
		return
	}
	cfg := s.cfg.Load()

	if ok, delay := s.admit(cfg, 1, false); !ok {
		flushesTotal.WithLabelValues(flushDeferred).Inc()
		s.arm(delay)
		return
	}

	var (
		deferred   []*request.Pending
		delay      time.Duration
		dispatched int
	)
	maxCalls := s.limiter.MaxCalls()
	for _, bucket := range s.queue.DrainAll() {
		for _, chunk := range queue.Chunk(bucket.Requests, cfg.MaxBatchSize) {
			for _, part := range executor.Split(bucket.Key.Operation, chunk, maxCalls) {
				if deferred != nil {
					deferred = append(deferred, part...)
					continue
				}
				calls := executor.Calls(bucket.Key.Operation, part)
				ok, d := s.admit(cfg, calls, true)
				if !ok {
					deferred = append(deferred, part...)
					delay = d
					continue
				}
				s.dispatch(bucket.Key, part, calls)
				dispatched++
			}
		}
	}

	if len(deferred) > 0 {
		s.queue.Restore(deferred)
		s.arm(delay)
		if dispatched > 0 {
			flushesTotal.WithLabelValues(flushPartial).Inc()
		} else {
			flushesTotal.WithLabelValues(flushDeferred).Inc()
		}
		s.logger.Debug().
			Int("dispatched_batches", dispatched).
			Int("deferred_requests", len(deferred)).
			Dur("delay", delay).
			Msg("Flush deferred remaining work")
		return
	}
	flushesTotal.WithLabelValues(flushDispatched).Inc()
}

// admit checks the concurrency ceiling and the rate limiter for a batch
// issuing calls backend requests. With acquire set it also takes a
// concurrency slot and reserves the calls. On refusal it returns how long to
// wait before the next flush.
func (s *Scheduler) admit(cfg *Config, calls int, acquire bool) (bool, time.Duration) {
	active := int(s.active.Load())
	if active >= cfg.MaxConcurrentBatches {
		s.logger.Debug().
			Int("active_batches", active).
			Int("max_concurrent_batches", cfg.MaxConcurrentBatches).
			Msg("Concurrency ceiling reached, deferring flush")
		return false, deferral(cfg.BatchWindow)
	}

	if !acquire {
		decision, err := s.limiter.Admit(s.ctx, active, calls)
		return s.rateDecision(cfg, decision, err)
	}

	if !s.acquireSlot(cfg.MaxConcurrentBatches) {
		return false, deferral(cfg.BatchWindow)
	}
	decision, err := s.limiter.Reserve(s.ctx, active, calls)
	if ok, delay := s.rateDecision(cfg, decision, err); !ok {
		activeBatchesGauge.Set(float64(s.active.Dec()))
		return false, delay
	}
	return true, 0
}

// rateDecision turns a limiter answer into a go/no-go and a re-arm delay.
// The delay is never shorter than RetryDelay nor than the limiter's own
// estimate.
func (s *Scheduler) rateDecision(cfg *Config, decision ratelimit.Decision, err error) (bool, time.Duration) {
	if err != nil {
		s.logger.Error().Err(err).Msg("Rate limit check failed, deferring flush")
		return false, deferral(cfg.RetryDelay)
	}
	if decision.Allowed {
		return true, 0
	}

	delay := cfg.RetryDelay
	if decision.RetryAfter > delay {
		delay = decision.RetryAfter
	}
	s.logger.Debug().
		Str("reason", decision.Reason).
		Dur("retry_after", decision.RetryAfter).
		Dur("delay", delay).
		Msg("Rate limit reached, deferring flush")
	return false, deferral(delay)
}

func deferral(d time.Duration) time.Duration {
	if d < minDeferral {
		return minDeferral
	}
	return d
}

func (s *Scheduler) acquireSlot(limit int) bool {
	for {
		n := s.active.Load()
		if int(n) >= limit {
			return false
		}
		if s.active.CompareAndSwap(n, n+1) {
			activeBatchesGauge.Set(float64(n + 1))
			return true
		}
	}
}

// dispatch runs one chunk on its own goroutine under an acquired slot.
// reserved backend calls were already charged to the rate limiter; any call
// beyond them is recorded afterwards.
func (s *Scheduler) dispatch(key request.ResourceKey, chunk []*request.Pending, reserved int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()

		calls := s.executor.Execute(s.ctx, key, chunk)
		if extra := calls - reserved; extra > 0 {
			if err := s.limiter.Record(s.ctx, extra); err != nil {
				s.logger.Warn().Err(err).Int("backend_calls", extra).Msg("Failed to record backend calls")
			}
		}
	}()
}

// release frees a slot and arms a flush for work that queued up meanwhile.
func (s *Scheduler) release() {
	activeBatchesGauge.Set(float64(s.active.Dec()))
	if n := s.queue.Len(); n > 0 {
		s.trigger(n)
	}
}

// Status returns a snapshot of the scheduler. It never changes state.
func (s *Scheduler) Status() Status {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	active := int(s.active.Load())
	status := Status{
		Pending:       s.queue.Len(),
		ActiveBatches: active,
		RetryWaiting:  s.retries.Waiting(),
		Buckets:       s.queue.Depths(),
	}

	state, err := s.limiter.State(ctx, active)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read rate limit window")
		return status
	}
	status.EstimatedRequestsPerMinute = state.EstimatedRequestsPerMinute(state.At)
	status.Blocked = state.Blocked()
	return status
}

// ClearQueue rejects every queued request with request.ErrQueueCleared and
// cancels the pending flush. Batches already dispatched and requests waiting
// for a retry are not affected. It returns the number of rejected requests.
func (s *Scheduler) ClearQueue() int {
	s.flushMu.Lock()
	cleared := s.queue.Clear()
	s.stopTimer()
	s.flushMu.Unlock()

	for _, p := range cleared {
		p.Reject(request.ErrQueueCleared)
	}
	queueClearedTotal.Add(float64(len(cleared)))

	s.logger.Info().Int("requests", len(cleared)).Msg("Queue cleared")
	return len(cleared)
}

// UpdateConfig applies patch to the live configuration. An invalid result
// is rejected and the previous snapshot stays in effect.
func (s *Scheduler) UpdateConfig(patch ConfigPatch) error {
	var next Config
	for {
		old := s.cfg.Load()
		next = patch.Apply(*old)
		if err := next.Validate(); err != nil {
			return err
		}
		if s.cfg.CompareAndSwap(old, &next) {
			break
		}
	}

	s.logger.Info().
		Int("max_batch_size", next.MaxBatchSize).
		Dur("batch_window", next.BatchWindow).
		Int("max_concurrent_batches", next.MaxConcurrentBatches).
		Int("retry_attempts", next.RetryAttempts).
		Dur("retry_delay", next.RetryDelay).
		Dur("max_retry_delay", next.MaxRetryDelay).
		Msg("Scheduler config updated")

	if n := s.queue.Len(); n > 0 {
		s.trigger(n)
	}
	return nil
}

// Close stops accepting work, rejects queued and retry-waiting requests with
// request.ErrSchedulerClosed and waits for in-flight batches. If ctx ends
// first, in-flight backend calls are cancelled and ctx's error is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.closed.Load() {
		s.lifecycle.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.lifecycle.Unlock()

	s.flushMu.Lock()
	s.stopTimer()
	cleared := s.queue.Clear()
	s.flushMu.Unlock()

	for _, p := range cleared {
		p.Reject(request.ErrSchedulerClosed)
	}
	s.retries.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		s.logger.Info().Int("rejected", len(cleared)).Msg("Scheduler closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("Scheduler close interrupted, cancelling in-flight batches")
		return fmt.Errorf("close scheduler: %w", ctx.Err())
	}
}

// IsClosed reports whether Close has been called.
func (s *Scheduler) IsClosed() bool {
	return s.closed.Load()
}

