// Package cache provides a Redis-backed preference score cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisScoreCache keeps preference scores under namespace:key without expiry.
type RedisScoreCache struct {
	client    redis.UniversalClient
	namespace string
}

func NewRedisScoreCache(addr, password, namespace string) *RedisScoreCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return NewRedisScoreCacheWithClient(rdb, namespace)
}

func NewRedisScoreCacheWithClient(client redis.UniversalClient, namespace string) *RedisScoreCache {
	if namespace == "" {
		namespace = "pref"
	}
	return &RedisScoreCache{client: client, namespace: namespace}
}

func (c *RedisScoreCache) key(k string) string {
	return c.namespace + ":" + k
}

func (c *RedisScoreCache) Get(ctx context.Context, key string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached score %q: %w", raw, err)
	}
	return score, true, nil
}

// Set writes the score only if the key is absent; existing entries are never
// overwritten.
func (c *RedisScoreCache) Set(ctx context.Context, key string, score float64) error {
	value := strconv.FormatFloat(score, 'f', -1, 64)
	if err := c.client.SetNX(ctx, c.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisScoreCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisScoreCache) Close() error {
	return c.client.Close()
}
