package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryWindow 一个 key 的当前窗口
type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryStore 进程内计数存储（默认实现）
// 仅适用于单实例部署的低风险滥用防护；多实例用 RedisStore。
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

// NewMemoryStore 创建进程内计数存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// Incr 实现 CounterStore 接口
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		// 窗口不存在或已过期，计数重置为 1
		w = &memoryWindow{count: 0, resetAt: now.Add(window)}
		s.windows[key] = w
	}

	w.count++
	return w.count, w.resetAt.Sub(now), nil
}
