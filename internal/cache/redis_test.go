package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheWithClient(client), mr
}

func TestLockOwnership(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "supervisor", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "supervisor", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放无效
	require.NoError(t, c.ReleaseLock(ctx, "supervisor", "b"))
	assert.True(t, mr.Exists("lock:supervisor"))

	require.NoError(t, c.ReleaseLock(ctx, "supervisor", "a"))
	assert.False(t, mr.Exists("lock:supervisor"))

	ok, err = c.AcquireLock(ctx, "supervisor", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 持有者崩溃后锁过期
	mr.FastForward(2 * time.Minute)
	ok, err = c.AcquireLock(ctx, "supervisor", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshLock(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "supervisor", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(50 * time.Second)
	ok, err = c.RefreshLock(ctx, "supervisor", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lock:supervisor"))

	// 非持有者不能续期
	ok, err = c.RefreshLock(ctx, "supervisor", "b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lock:supervisor"))

	// 锁过期后续期失败
	mr.FastForward(2 * time.Minute)
	ok, err = c.RefreshLock(ctx, "supervisor", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("lock:supervisor"))
}

func TestTokenBlacklist(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.BlacklistToken(ctx, "h1", time.Now().Add(time.Hour)))
	require.NoError(t, c.BlacklistToken(ctx, "h2", time.Now().Add(-time.Hour)))

	assert.True(t, c.IsTokenBlacklisted(ctx, "h1"))
	assert.False(t, c.IsTokenBlacklisted(ctx, "h2"))
}

func TestPublishAuditEvent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	sub := c.SubscribeAuditEvents(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.PublishAuditEvent(ctx, []byte(`{"action":"session.create"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, AuditChannel, msg.Channel)
		assert.JSONEq(t, `{"action":"session.create"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit message received")
	}
	assert.NoError(t, c.Ping(ctx))
}
