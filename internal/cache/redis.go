// Package cache 提供 Redis 操作的封装
// 处理巡检分布式锁、审计事件广播、JWT 黑名单等需要跨实例共享的数据
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"session-orchestrator/internal/config"
)

// AuditChannel 审计事件广播频道
const AuditChannel = "audit:events"

// releaseScript 只有锁的持有者才能删除锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript 只有锁的持有者才能续期
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: Redis 连接配置
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient 使用已有客户端创建实例
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ==================== 分布式锁 ====================
// 多实例部署时保证同一时刻只有一个巡检器在扫描

// AcquireLock 尝试获取锁
// 参数:
//   - ctx: 上下文
//   - key: 锁名
//   - owner: 持有者标识，释放时校验
//   - ttl: 锁过期时间，持有者崩溃后自动释放
//
// 返回:
//   - bool: 是否获取成功
//   - error: Redis 操作错误
func (c *RedisCache) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(key), owner, ttl).Result()
}

// ReleaseLock 释放锁，锁已过期或被他人持有时不做任何事
func (c *RedisCache) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, c.client, []string{lockKey(key)}, owner).Err()
}

// RefreshLock 把锁的过期时间重置为 ttl
// 返回 false 表示锁已过期或已被他人持有
func (c *RedisCache) RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, c.client, []string{lockKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func lockKey(key string) string {
	return "lock:" + key
}

// ==================== JWT 黑名单 ====================
// 用于实现 Token 强制失效（登出）功能

// BlacklistToken 将 Token 加入黑名单
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	// 计算剩余有效时间
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}
	// TTL 设置为 Token 的剩余有效期，过期后自动删除
	return c.client.Set(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) bool {
	return c.client.Exists(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash)).Val() > 0
}

// ==================== Pub/Sub ====================
// 用于多服务实例间的审计事件广播

// PublishAuditEvent 发布审计事件（已序列化的 JSON）
func (c *RedisCache) PublishAuditEvent(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, AuditChannel, payload).Err()
}

// SubscribeAuditEvents 订阅审计事件
// 返回 PubSub 对象，调用方负责关闭
func (c *RedisCache) SubscribeAuditEvents(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, AuditChannel)
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
