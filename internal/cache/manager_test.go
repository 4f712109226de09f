package cache

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/config"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

type hitCounter struct {
	mu     sync.Mutex
	hits   int
	misses int
}

func (h *hitCounter) RecordCacheHit(string)  { h.mu.Lock(); h.hits++; h.mu.Unlock() }
func (h *hitCounter) RecordCacheMiss(string) { h.mu.Lock(); h.misses++; h.mu.Unlock() }

func setupTestRedis(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Manager) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	manager, err := NewManager(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.NotNil(t, manager.Client())
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestRedisOptions(t *testing.T) {
	cfg := config.DefaultRedisConfig()
	opts := RedisOptions(cfg)
	assert.Equal(t, cfg.Addr, opts.Addr)
	assert.Equal(t, cfg.PoolSize, opts.PoolSize)
	assert.Nil(t, opts.TLSConfig)

	cfg.TLSEnabled = true
	opts = RedisOptions(cfg)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
}

func TestNewManager_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.DefaultRedisConfig()
	cfg.Addr = addr
	_, err := NewManager(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestManager_ClaimFirstAndDuplicate(t *testing.T) {
	counter := &hitCounter{}
	mr, manager := setupTestRedis(t, WithMetrics(counter))
	ctx := context.Background()

	prev, first, err := manager.Claim(ctx, "github:abc", "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Empty(t, prev)

	prev, first, err = manager.Claim(ctx, "github:abc", "evt-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, "evt-1", prev)

	assert.Equal(t, 1, counter.hits)
	assert.Equal(t, 1, counter.misses)
	assert.True(t, mr.Exists("procflow:dedup:github:abc"))
}

func TestManager_ClaimExpires(t *testing.T) {
	mr, manager := setupTestRedis(t, WithKeyPrefix("t:"))
	ctx := context.Background()

	_, first, err := manager.Claim(ctx, "k", "v", time.Second)
	require.NoError(t, err)
	require.True(t, first)

	mr.FastForward(2 * time.Second)

	_, first, err = manager.Claim(ctx, "k", "v2", time.Second)
	require.NoError(t, err)
	assert.True(t, first, "expired key can be claimed again")
}

func TestManager_Release(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	_, _, err := manager.Claim(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, "k"))

	_, first, err := manager.Claim(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestManager_ClaimInvalidTTL(t *testing.T) {
	_, manager := setupTestRedis(t)
	_, _, err := manager.Claim(context.Background(), "k", "v", 0)
	assert.Error(t, err)
}

func TestManager_Closed(t *testing.T) {
	mr := miniredis.RunT(t)
	manager := NewManagerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)

	require.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())

	_, _, err := manager.Claim(context.Background(), "k", "v", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, manager.Release(context.Background(), "k"), ErrClosed)
}
