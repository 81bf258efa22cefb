package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantguard/pkg/platform/sentinel"
)

const redisKeyPrefix = "tenantguard:partition:"

// RedisCache is the SharedCache backed by Redis. Each tenant is one hash
// holding the partition name and active flag, expiring with the registry TTL.
// Connection failures are reported as sentinel.ErrUnavailable.
type RedisCache struct {
	client redis.Cmdable
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(tenantID string) string {
	return redisKeyPrefix + tenantID
}

func (c *RedisCache) Get(ctx context.Context, tenantID string) (Entry, bool, error) {
	fields, err := c.client.HGetAll(ctx, redisKey(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis hgetall: %w: %w", sentinel.ErrUnavailable, err)
	}
	partition, ok := fields["partition"]
	if !ok || !ValidName(partition) {
		return Entry{}, false, nil
	}
	return Entry{
		TenantID:  tenantID,
		Partition: partition,
		Active:    fields["active"] == "1",
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	active := "0"
	if entry.Active {
		active = "1"
	}
	key := redisKey(entry.TenantID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "partition", entry.Partition, "active", active)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set partition: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, redisKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("redis del partition: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
