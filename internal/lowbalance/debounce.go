package lowbalance

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "credits:lowbalance:"

// Debouncer claims a notification slot per key for a window.
type Debouncer interface {
	// Claim returns true when no notification for key was claimed within window.
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// MemoryDebouncer keeps claims in process memory. Suitable for a single replica.
type MemoryDebouncer struct {
	mutex   sync.Mutex
	claimed map[string]time.Time
	now     func() time.Time
}

func NewMemoryDebouncer(clock func() time.Time) *MemoryDebouncer {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryDebouncer{claimed: make(map[string]time.Time), now: clock}
}

func (debouncer *MemoryDebouncer) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	now := debouncer.now()
	if last, found := debouncer.claimed[key]; found && now.Sub(last) < window {
		return false, nil
	}
	debouncer.claimed[key] = now
	return true, nil
}

func (debouncer *MemoryDebouncer) Forget(ctx context.Context, key string) error {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	delete(debouncer.claimed, key)
	return nil
}

// RedisDebouncer shares claims across replicas with SET NX and a TTL.
type RedisDebouncer struct {
	client redis.UniversalClient
}

func NewRedisDebouncer(client redis.UniversalClient) *RedisDebouncer {
	if client == nil {
		return nil
	}
	return &RedisDebouncer{client: client}
}

func (debouncer *RedisDebouncer) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if debouncer == nil || debouncer.client == nil {
		return false, errors.New("debounce client not configured")
	}
	return debouncer.client.SetNX(ctx, redisKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), window).Result()
}

func (debouncer *RedisDebouncer) Forget(ctx context.Context, key string) error {
	if debouncer == nil || debouncer.client == nil {
		return nil
	}
	return debouncer.client.Del(ctx, redisKeyPrefix+key).Err()
}
