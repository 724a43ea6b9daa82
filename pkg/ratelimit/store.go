package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore keeps the fixed one-minute request window.
type WindowStore interface {
	// Load returns the current window, starting a fresh one if the previous expired.
	Load(ctx context.Context, now time.Time) (Window, error)

	// Add records n requests in the current window.
	Add(ctx context.Context, now time.Time, n int64) error
}

// MemoryStore is a process-local WindowStore.
type MemoryStore struct {
	mu     sync.Mutex
	window Window
}

// NewMemoryStore creates an in-process window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) rollLocked(now time.Time) {
	if s.window.Start.IsZero() || s.window.Expired(now) {
		s.window = Window{Start: now}
	}
}

// Load implements WindowStore.
func (s *MemoryStore) Load(_ context.Context, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(now)
	return s.window, nil
}

// Add implements WindowStore.
func (s *MemoryStore) Add(_ context.Context, now time.Time, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(now)
	s.window.Count += n
	return nil
}

// RedisStore shares the one-minute window between every process that talks
// to the same backend project. The window is a counter key that expires one
// minute after its first increment.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// addScript increments the window and gives a key without expiry its TTL in
// the same step, so a counter can never outlive its minute.
var addScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return count
`)

// NewRedisStore creates a Redis-backed window store. An empty key uses RedisKeyWindowCount.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if key == "" {
		key = RedisKeyWindowCount
	}
	return &RedisStore{redis: redisClient, key: key}
}

// Load implements WindowStore. A counter found without expiry is given a
// fresh minute.
func (s *RedisStore) Load(ctx context.Context, now time.Time) (Window, error) {
	pipe := s.redis.Pipeline()
	countCmd := pipe.Get(ctx, s.key)
	ttlCmd := pipe.PTTL(ctx, s.key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Window{}, fmt.Errorf("load rate limit window from redis: %w", err)
	}

	count, err := countCmd.Int64()
	if err == redis.Nil {
		return Window{Start: now}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("parse rate limit window count: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		if err := s.redis.PExpire(ctx, s.key, MinuteWindow).Err(); err != nil {
			return Window{}, fmt.Errorf("expire rate limit window in redis: %w", err)
		}
		return Window{Start: now, Count: count}, nil
	}
	return Window{Start: now.Add(ttl - MinuteWindow), Count: count}, nil
}

// Add implements WindowStore.
func (s *RedisStore) Add(ctx context.Context, _ time.Time, n int64) error {
	err := addScript.Run(ctx, s.redis, []string{s.key}, n, MinuteWindow.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("increment rate limit window in redis: %w", err)
	}
	return nil
}
