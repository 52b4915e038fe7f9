package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// ============================================
// 幂等护栏
// ============================================
//
// 护栏键为 (alert_id, recipient)：同一报警同一受众同时只有一个投递在途。
// 护栏只防并发重复，"是否已发送过"由 notification_attempts 表判定。

// Guard 投递在途护栏
type Guard interface {
	// Acquire 尝试占用 (alert, recipient) 的在途位，占用失败返回 false
	Acquire(ctx context.Context, alertID string, recipient models.RecipientKind) (bool, error)
	// Release 释放在途位
	Release(ctx context.Context, alertID string, recipient models.RecipientKind) error
}

// RedisGuard 基于 Redis SETNX 的护栏实现
// TTL 防止崩溃的持有者永久占位。
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard 创建 Redis 护栏
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{
		client: client,
		ttl:    ttl,
	}
}

func guardKey(alertID string, recipient models.RecipientKind) string {
	return fmt.Sprintf("notify:inflight:%s:%s", alertID, recipient)
}

// Acquire 尝试占用在途位
func (g *RedisGuard) Acquire(ctx context.Context, alertID string, recipient models.RecipientKind) (bool, error) {
	ok, err := g.client.SetNX(ctx, guardKey(alertID, recipient), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire dispatch guard: %w", err)
	}
	return ok, nil
}

// Release 释放在途位
func (g *RedisGuard) Release(ctx context.Context, alertID string, recipient models.RecipientKind) error {
	if err := g.client.Del(ctx, guardKey(alertID, recipient)).Err(); err != nil {
		return fmt.Errorf("failed to release dispatch guard: %w", err)
	}
	return nil
}
