// Package ratelimit implements admission control for backend dispatch.
// It enforces a per-second token bucket, a fixed one-minute request window
// and a ceiling on concurrent connections, so that batches never exceed the
// quotas of the hosted backend.
package ratelimit

import (
	"time"
)

// Redis keys for shared rate limit state.
const (
	RedisKeyWindowCount = "batcher:rate_limit:window_count"
)

// MinuteWindow is the length of the fixed request window.
const MinuteWindow = time.Minute

// Config holds the static ceilings of the backend.
type Config struct {
	// RequestsPerSecond is the sustained per-second rate. It is also the burst size.
	RequestsPerSecond int `mapstructure:"requests_per_second" validate:"min=1"`

	// RequestsPerMinute caps requests recorded in the current one-minute window.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"min=1"`

	// MaxConcurrentConnections caps batches in flight at the backend.
	MaxConcurrentConnections int `mapstructure:"max_concurrent_connections" validate:"min=1"`
}

// DefaultConfig returns conservative ceilings for a hosted database API.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond:        10,
		RequestsPerMinute:        500,
		MaxConcurrentConnections: 10,
	}
}

// Window is the fixed one-minute window as seen by a WindowStore.
type Window struct {
	// Start is when the current window began.
	Start time.Time

	// Count is the number of requests recorded since Start.
	Count int64
}

// Elapsed returns the time since the window started, never less than zero.
func (w Window) Elapsed(now time.Time) time.Duration {
	d := now.Sub(w.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the window is over and must be reset.
func (w Window) Expired(now time.Time) bool {
	return w.Elapsed(now) >= MinuteWindow
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the window is already over.
func (w Window) TimeUntilReset(now time.Time) time.Duration {
	d := MinuteWindow - w.Elapsed(now)
	if d < 0 {
		return 0
	}
	return d
}

// State is a read-only snapshot of the limiter.
type State struct {
	// At is when the snapshot was taken.
	At time.Time

	Window        Window
	SecondTokens  float64
	ActiveBatches int
	Limits        Config
}

// EstimatedRequestsPerMinute extrapolates the window count to a full minute.
// Elapsed time is floored at one second so a fresh window is not inflated.
func (s State) EstimatedRequestsPerMinute(now time.Time) int {
	if s.Window.Count == 0 {
		return 0
	}
	elapsed := s.Window.Elapsed(now)
	if elapsed >= MinuteWindow {
		return int(s.Window.Count)
	}
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return int(float64(s.Window.Count) * float64(MinuteWindow) / float64(elapsed))
}

// MinuteExhausted returns true if the one-minute window is full.
func (s State) MinuteExhausted() bool {
	return s.Window.Count >= int64(s.Limits.RequestsPerMinute)
}

// SecondExhausted returns true if no per-second token is available.
func (s State) SecondExhausted() bool {
	return s.SecondTokens < 1
}

// ConnectionsExhausted returns true if no connection slot is free.
func (s State) ConnectionsExhausted() bool {
	return s.ActiveBatches >= s.Limits.MaxConcurrentConnections
}

// Blocked lists the ceilings that currently hold back dispatch, using the
// deferral reasons. It is empty when a single call could go out.
func (s State) Blocked() []string {
	var reasons []string
	if s.ConnectionsExhausted() {
		reasons = append(reasons, ReasonConnections)
	}
	if s.MinuteExhausted() {
		reasons = append(reasons, ReasonPerMinute)
	}
	if s.SecondExhausted() {
		reasons = append(reasons, ReasonPerSecond)
	}
	return reasons
}
