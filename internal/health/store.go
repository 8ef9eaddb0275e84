package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore persists cooldown deadlines per (providerKey, model) pair.
// The memory store is the default; the Redis store shares cooldowns across
// proxy instances.
type CooldownStore interface {
	// Set records a cooldown deadline.
	Set(ctx context.Context, key string, until time.Time) error

	// Get returns the deadline, or the zero time when none is active.
	Get(ctx context.Context, key string) (time.Time, error)

	// Clear removes a cooldown.
	Clear(ctx context.Context, key string) error
}

// MemoryCooldownStore keeps cooldowns in a process-local map.
type MemoryCooldownStore struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

// NewMemoryCooldownStore creates an in-memory cooldown store.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{until: make(map[string]time.Time)}
}

// Set records a cooldown deadline.
func (s *MemoryCooldownStore) Set(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[key] = until
	return nil
}

// Get returns the deadline, or the zero time when none is active.
func (s *MemoryCooldownStore) Get(_ context.Context, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.until[key], nil
}

// Clear removes a cooldown.
func (s *MemoryCooldownStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.until, key)
	return nil
}

const redisCooldownPrefix = "routecodex:cooldown:"

// RedisCooldownStore shares cooldowns through Redis with TTL-based expiry.
type RedisCooldownStore struct {
	client *redis.Client
}

// NewRedisCooldownStore creates a Redis-backed cooldown store.
func NewRedisCooldownStore(client *redis.Client) *RedisCooldownStore {
	return &RedisCooldownStore{client: client}
}

// Set records a cooldown deadline. The entry expires on its own.
func (s *RedisCooldownStore) Set(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.Clear(ctx, key)
	}
	return s.client.Set(ctx, redisCooldownPrefix+key, until.UnixMilli(), ttl).Err()
}

// Get returns the deadline, or the zero time when none is active.
func (s *RedisCooldownStore) Get(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.client.Get(ctx, redisCooldownPrefix+key).Int64()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Clear removes a cooldown.
func (s *RedisCooldownStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisCooldownPrefix+key).Err()
}
