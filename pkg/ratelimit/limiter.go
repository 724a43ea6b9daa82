package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for admission control.
var (
	rateLimitDeferralsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_rate_limit_deferrals_total",
		Help: "Total number of dispatches deferred by the rate limiter by reason",
	}, []string{"reason"})

	rateLimitWindowRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batcher_rate_limit_window_requests",
		Help: "Backend requests recorded in the current one-minute window",
	})
)

// Deferral reasons.
const (
	ReasonConnections = "connections"
	ReasonPerMinute   = "per_minute"
	ReasonPerSecond   = "per_second"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Limiter answers whether a batch may be dispatched now.
//
// The per-second ceiling is a token bucket (golang.org/x/time/rate) with a
// burst equal to the ceiling, which tracks bursts at the start of a window
// instead of averaging them away. The per-minute ceiling is a fixed window
// that resets once a minute has elapsed. Quota is taken per backend call,
// not per batch, so a batch that fans out is charged for every call.
type Limiter struct {
	cfg       Config
	store     WindowStore
	perSecond *rate.Limiter
	now       func() time.Time
	logger    zerolog.Logger

	// mu makes Reserve's check and consume one step.
	mu sync.Mutex
}

// NewLimiter creates a limiter. A nil store uses a MemoryStore.
func NewLimiter(cfg Config, store WindowStore, logger zerolog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		cfg:       cfg,
		store:     store,
		perSecond: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source (for testing).
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// MaxCalls returns the largest number of backend calls a single reservation
// can ever be granted. Batches planning more calls must be split first.
func (l *Limiter) MaxCalls() int {
	if l.cfg.RequestsPerMinute < l.cfg.RequestsPerSecond {
		return l.cfg.RequestsPerMinute
	}
	return l.cfg.RequestsPerSecond
}

// Admit checks whether a batch issuing calls backend requests may be
// dispatched while activeBatches are in flight. It never consumes quota.
func (l *Limiter) Admit(ctx context.Context, activeBatches, calls int) (Decision, error) {
	return l.check(ctx, l.now(), activeBatches, calls)
}

// Reserve admits a batch issuing calls backend requests and, when allowed,
// charges them against both windows before the batch runs.
func (l *Limiter) Reserve(ctx context.Context, activeBatches, calls int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	decision, err := l.check(ctx, now, activeBatches, calls)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := l.take(ctx, now, calls); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (l *Limiter) check(ctx context.Context, now time.Time, activeBatches, calls int) (Decision, error) {
	if activeBatches >= l.cfg.MaxConcurrentConnections {
		return l.deny(ReasonConnections, 0, activeBatches), nil
	}
	if calls < 1 {
		calls = 1
	}

	window, err := l.store.Load(ctx, now)
	if err != nil {
		return Decision{}, fmt.Errorf("load request window: %w", err)
	}
	rateLimitWindowRequests.Set(float64(window.Count))

	if window.Count+int64(calls) > int64(l.cfg.RequestsPerMinute) {
		return l.deny(ReasonPerMinute, window.TimeUntilReset(now), activeBatches), nil
	}

	need := float64(calls)
	if burst := float64(l.perSecond.Burst()); need > burst {
		need = burst
	}
	if tokens := l.perSecond.TokensAt(now); tokens < need {
		wait := time.Duration((need - tokens) / float64(l.perSecond.Limit()) * float64(time.Second))
		return l.deny(ReasonPerSecond, wait, activeBatches), nil
	}

	return Decision{Allowed: true}, nil
}

func (l *Limiter) deny(reason string, retryAfter time.Duration, activeBatches int) Decision {
	rateLimitDeferralsTotal.WithLabelValues(reason).Inc()
	l.logger.Debug().
		Str("reason", reason).
		Dur("retry_after", retryAfter).
		Int("active_batches", activeBatches).
		Msg("Dispatch deferred by rate limiter")
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Record charges n backend requests that were issued without a reservation.
func (l *Limiter) Record(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.take(ctx, l.now(), n)
}

func (l *Limiter) take(ctx context.Context, now time.Time, n int) error {
	if n <= 0 {
		return nil
	}

	// ReserveN refuses n larger than the burst, so consume in burst-sized steps.
	burst := l.perSecond.Burst()
	for left := n; left > 0; left -= burst {
		step := left
		if step > burst {
			step = burst
		}
		l.perSecond.ReserveN(now, step)
	}

	if err := l.store.Add(ctx, now, int64(n)); err != nil {
		return fmt.Errorf("record %d requests: %w", n, err)
	}
	return nil
}

// State returns a snapshot for status reporting. It never mutates the limiter.
func (l *Limiter) State(ctx context.Context, activeBatches int) (State, error) {
	now := l.now()
	window, err := l.store.Load(ctx, now)
	if err != nil {
		return State{}, fmt.Errorf("load request window: %w", err)
	}
	return State{
		At:            now,
		Window:        window,
		SecondTokens:  l.perSecond.TokensAt(now),
		ActiveBatches: activeBatches,
		Limits:        l.cfg,
	}, nil
}
