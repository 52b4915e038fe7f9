package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore 共享计数存储（多实例部署使用）
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 计数存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "ratelimit:",
	}
}

// Incr 实现 CounterStore 接口
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	redisKey := s.prefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to incr counter: %w", err)
	}

	// 窗口首个请求时设置 TTL
	if count == 1 {
		if err := s.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set counter TTL: %w", err)
		}
		return count, window, nil
	}

	ttl, err := s.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read counter TTL: %w", err)
	}
	if ttl < 0 {
		// 计数器因历史故障丢失了 TTL，重新设置，避免 key 永久拒绝
		if err := s.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to reset counter TTL: %w", err)
		}
		ttl = window
	}

	return count, ttl, nil
}
