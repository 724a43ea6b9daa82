// Package retry re-enqueues requests whose batch failed transiently, with
// escalated priority and exponential backoff, until their attempts run out.
package retry

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_retries_total",
		Help: "Total number of requests scheduled for retry by operation",
	}, []string{"operation"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batcher_retry_backoff_seconds",
		Help:    "Backoff duration before a failed request is re-enqueued",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_retry_exhausted_total",
		Help: "Total number of requests rejected after exhausting retries by operation",
	}, []string{"operation"})
)

// Policy holds the retry settings in effect when a failure is handled.
type Policy struct {
	// Attempts is the number of retries granted after the first dispatch.
	Attempts int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// Requeuer takes retried requests back into the queue.
type Requeuer interface {
	Requeue(reqs []*request.Pending)
}

type waiting struct {
	timer *time.Timer
	reqs  []*request.Pending
}

// Manager schedules retries. It implements executor.FailureHandler.
type Manager struct {
	requeuer Requeuer
	policy   func() Policy
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[uint64]*waiting
	nextID  uint64
	closed  bool

	waitingCount *atomic.Int64
}

// NewManager creates a retry manager. policy is read on every failure so
// configuration changes apply to the next retry.
func NewManager(requeuer Requeuer, policy func() Policy, logger zerolog.Logger) *Manager {
	return &Manager{
		requeuer:     requeuer,
		policy:       policy,
		logger:       logger,
		pending:      make(map[uint64]*waiting),
		waitingCount: atomic.NewInt64(0),
	}
}

// Delay returns the backoff before retry number attempt (1-based):
// base * 2^(attempt-1), capped at maxDelay.
func Delay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// HandleFailure rejects requests that used up their attempts and schedules
// the rest for re-enqueue after their backoff.
func (m *Manager) HandleFailure(reqs []*request.Pending, cause error) {
	policy := m.policy()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		for _, p := range reqs {
			p.Reject(fmt.Errorf("%w: %v", request.ErrSchedulerClosed, cause))
		}
		return
	}

	groups := make(map[int][]*request.Pending)
	for _, p := range reqs {
		if p.Completed() {
			continue
		}
		if p.Attempt >= policy.Attempts {
			retryExhaustedTotal.WithLabelValues(string(p.Key.Operation)).Inc()
			m.logger.Warn().
				Err(cause).
				Str("request_id", p.ID).
				Str("resource_key", p.Key.String()).
				Int("attempts", p.Attempt+1).
				Msg("Retry attempts exhausted")
			p.Reject(&request.RetryExhaustedError{Attempts: p.Attempt + 1, Cause: cause})
			continue
		}
		p.Attempt++
		groups[p.Attempt] = append(groups[p.Attempt], p)
	}

	for attempt, group := range groups {
		m.schedule(group, attempt, Delay(policy.BaseDelay, policy.MaxDelay, attempt), cause)
	}
}

func (m *Manager) schedule(reqs []*request.Pending, attempt int, delay time.Duration, cause error) {
	for _, p := range reqs {
		retriesTotal.WithLabelValues(string(p.Key.Operation)).Inc()
	}
	retryBackoffSeconds.Observe(delay.Seconds())

	m.logger.Debug().
		Err(cause).
		Int("requests", len(reqs)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying requests after backoff")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		for _, p := range reqs {
			p.Reject(fmt.Errorf("%w: %v", request.ErrSchedulerClosed, cause))
		}
		return
	}

	id := m.nextID
	m.nextID++
	w := &waiting{reqs: reqs}
	m.pending[id] = w
	m.waitingCount.Add(int64(len(reqs)))
	w.timer = time.AfterFunc(delay, func() { m.fire(id) })
}

func (m *Manager) fire(id uint64) {
	m.mu.Lock()
	w, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	closed := m.closed
	m.mu.Unlock()
	if !ok {
		return
	}
	m.waitingCount.Sub(int64(len(w.reqs)))

	if closed {
		for _, p := range w.reqs {
			p.Reject(request.ErrSchedulerClosed)
		}
		return
	}

	for _, p := range w.reqs {
		p.Priority = request.PriorityHigh
	}
	m.requeuer.Requeue(w.reqs)
}

// Waiting returns the number of requests sleeping in backoff.
func (m *Manager) Waiting() int {
	return int(m.waitingCount.Load())
}

// Stop cancels every pending backoff and rejects the waiting requests with
// request.ErrSchedulerClosed. Failures handled after Stop are rejected the
// same way.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	var stopped []*waiting
	for id, w := range m.pending {
		if w.timer.Stop() {
			delete(m.pending, id)
			stopped = append(stopped, w)
		}
	}
	m.mu.Unlock()

	for _, w := range stopped {
		m.waitingCount.Sub(int64(len(w.reqs)))
		for _, p := range w.reqs {
			p.Reject(request.ErrSchedulerClosed)
		}
	}
}
