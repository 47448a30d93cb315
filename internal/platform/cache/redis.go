// Package cache provides the Redis-backed distributed lock housekeeping
// uses for leader election: with one shared Redis instance across every
// replica of the process, each scheduled job tick first tries to acquire a
// short-lived lock so only one replica actually runs the job.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client housekeeping's leader-election lock is
// built on.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// Config holds Redis configuration
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisCache connects to Redis, pinging once to fail fast if the
// backend is unreachable.
func NewRedisCache(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// setNX sets a value only if the key doesn't already exist — the primitive
// Lock.Acquire is built on.
func (c *RedisCache) setNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	fullKey := c.buildKey(key)
	result, err := c.client.SetNX(ctx, fullKey, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx: %w", err)
	}
	return result, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}

// Health pings Redis, wired into the ops server's readiness probe once
// cmd/taskengine has connected.
func (c *RedisCache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// buildKey builds the full cache key with prefix
func (c *RedisCache) buildKey(key string) string {
	if c.keyPrefix != "" {
		return fmt.Sprintf("%s:%s", c.keyPrefix, key)
	}
	return key
}

// Lock implements distributed locking used for housekeeping's leader
// election, one lock per scheduled job name.
type Lock struct {
	cache *RedisCache
	key   string
	value int64
	ttl   time.Duration
}

// NewLock creates a new distributed lock scoped to key.
func (c *RedisCache) NewLock(key string, ttl time.Duration) *Lock {
	return &Lock{
		cache: c,
		key:   fmt.Sprintf("lock:%s", key),
		value: time.Now().UnixNano(),
		ttl:   ttl,
	}
}

// Acquire tries to acquire the lock.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.cache.setNX(ctx, l.key, l.value, l.ttl)
}

// Release releases the lock, using a Lua script so a replica never deletes
// a lock it doesn't own (e.g. one it held past its TTL and lost to another
// replica in the meantime).
func (l *Lock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	fullKey := l.cache.buildKey(l.key)
	_, err := l.cache.client.Eval(ctx, script, []string{fullKey}, l.value).Result()
	return err
}
