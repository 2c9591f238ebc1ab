package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"session-orchestrator/internal/cache"
	"session-orchestrator/pkg/util"
)

// Locker 巡检运行锁，保证同一时刻只有一次扫描
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	// Refresh 延长持有中的锁，返回 false 表示锁已经丢失
	Refresh(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LocalLocker 单实例部署使用的进程内锁
type LocalLocker struct {
	mu sync.Mutex
}

// TryLock 实现 Locker
func (l *LocalLocker) TryLock(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

// Refresh 实现 Locker，进程内锁不会过期
func (l *LocalLocker) Refresh(context.Context) (bool, error) {
	return true, nil
}

// Unlock 实现 Locker
func (l *LocalLocker) Unlock(context.Context) error {
	l.mu.Unlock()
	return nil
}

// RedisLocker 多实例部署使用的 Redis 锁
// 持有者崩溃时锁在 ttl 后自动过期，扫描期间每处理一个会话续期一次
type RedisLocker struct {
	cache *cache.RedisCache
	key   string
	owner string
	ttl   time.Duration
}

// NewRedisLocker 创建 RedisLocker
func NewRedisLocker(c *cache.RedisCache, key string, ttl time.Duration) *RedisLocker {
	host, _ := os.Hostname()
	return &RedisLocker{
		cache: c,
		key:   key,
		owner: host + "/" + util.NewID(),
		ttl:   ttl,
	}
}

// TryLock 实现 Locker
func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	return l.cache.AcquireLock(ctx, l.key, l.owner, l.ttl)
}

// Refresh 实现 Locker
func (l *RedisLocker) Refresh(ctx context.Context) (bool, error) {
	return l.cache.RefreshLock(ctx, l.key, l.owner, l.ttl)
}

// Unlock 实现 Locker
func (l *RedisLocker) Unlock(ctx context.Context) error {
	return l.cache.ReleaseLock(ctx, l.key, l.owner)
}
