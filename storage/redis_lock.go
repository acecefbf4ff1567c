package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockKey = "rc_tracker:run_lock"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends the lock only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLock guards runs across processes sharing one history database.
// The holder must Refresh it within ttl or another process may take over.
type RedisLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisLock(rdb *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: defaultLockKey, ttl: ttl}
}

// TryAcquire takes the lock for token if nobody else holds it.
func (l *RedisLock) TryAcquire(ctx context.Context, token string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Refresh extends the lock's ttl. It reports false when token no longer
// holds the lock.
func (l *RedisLock) Refresh(ctx context.Context, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("refresh %s: %w", l.key, err)
	}
	return n == 1, nil
}
