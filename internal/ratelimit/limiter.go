package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
)

// Result 一次限流检查的结果
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// CounterStore 固定窗口计数存储
// 单进程 map 与共享 Redis 计数器是可互换的实现；多实例部署必须使用共享实现。
type CounterStore interface {
	// Incr 递增 key 的计数并返回递增后的值；窗口首个请求时创建窗口并设置 TTL
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Limiter 固定窗口限流器
// 有意保持简单（非滑动窗口/令牌桶）：目标是有界的滥用防护，不追求精度。
type Limiter struct {
	store  CounterStore
	logger *zap.Logger
}

// NewLimiter 创建限流器
func NewLimiter(store CounterStore, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
	}
}

// Check 检查并计入一次请求
// 窗口内第 limit 个请求仍被允许，第 limit+1 个开始拒绝；
// 窗口过期后计数重置为 1 并开启新窗口。
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	count, resetIn, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindUpstream, "rate limit counter store failed", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	allowed := count <= int64(limit)
	if !allowed {
		l.logger.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("reset_in", resetIn),
		)
	}

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}
