package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKey = "hevysync:import-lock"

// RedisLock is the cross-execution lock named in spec.md §4.8, backed
// by a Redis SET NX with expiry — the same client library the
// teacher's queue/redis package used for its own Redis wiring, here
// repurposed from a job queue to a simple mutual-exclusion lock.
type RedisLock struct {
	client *redis.Client
	token  string
	ttl    time.Duration
}

// NewRedisLock connects to redisURL and prepares a lock with the given
// lease ttl (the lease is refreshed implicitly by the orchestrator's
// own heartbeat cadence via Extend).
func NewRedisLock(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisLock{client: client, token: uuid.NewString(), ttl: ttl}, nil
}

func (l *RedisLock) Close() error { return l.client.Close() }

// TryAcquire attempts to acquire the lock within wait, polling at a
// fixed interval. It returns (true, nil) on success and (false, nil) if
// the wait elapses without acquiring it — distinct from a connection
// error, which is returned as the error value.
func (l *RedisLock) TryAcquire(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, l.token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquiring lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release removes the lock if and only if this instance still holds
// it, using a Lua script so check-and-delete is atomic.
func (l *RedisLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	return script.Run(ctx, l.client, []string{lockKey}, l.token).Err()
}

// Extend refreshes the lock's TTL, called alongside the orchestrator's
// heartbeat so a long-running import doesn't lose its lock mid-run.
func (l *RedisLock) Extend(ctx context.Context) error {
	return l.client.Expire(ctx, lockKey, l.ttl).Err()
}
