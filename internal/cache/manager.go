// Package cache provides the shared Redis client and webhook delivery dedup.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/config"
	"github.com/BaSui01/procflow/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 管理器
// =============================================================================

// HitRecorder 记录缓存命中，由 metrics.Collector 实现
type HitRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Manager 持有进程内唯一的 Redis 客户端，journal 与 webhook 去重共用
type Manager struct {
	redis   redis.UniversalClient
	logger  *zap.Logger
	metrics HitRecorder
	prefix  string
	mu      sync.RWMutex
	closed  bool
}

// Option 配置 Manager
type Option func(*Manager)

// WithMetrics 设置命中率上报
func WithMetrics(r HitRecorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithKeyPrefix 设置去重键前缀，默认 "procflow:dedup:"
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// RedisOptions 将配置转换为 go-redis 选项
func RedisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return opts
}

// NewManager 按配置连接 Redis，连接失败直接返回错误
func NewManager(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	client := redis.NewClient(RedisOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := NewManagerFromClient(client, logger, opts...)
	m.logger.Info("redis manager initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return m, nil
}

// NewManagerFromClient 包装已有客户端，Close 时一并关闭
func NewManagerFromClient(client redis.UniversalClient, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		redis:  client,
		logger: logger.With(zap.String("component", "cache")),
		prefix: "procflow:dedup:",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Client 返回底层客户端
func (m *Manager) Client() redis.UniversalClient {
	return m.redis
}

// =============================================================================
// 🎯 去重
// =============================================================================

// Claim 尝试占用去重键。首次占用返回 ("", true)；
// 键已存在时返回此前写入的 value 与 false。
func (m *Manager) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("dedup ttl must be positive")
	}

	full := m.prefix + key
	ok, err := m.redis.SetNX(ctx, full, value, ttl).Result()
	if err != nil {
		m.logger.Error("dedup claim failed", zap.String("key", full), zap.Error(err))
		return "", false, fmt.Errorf("dedup claim failed: %w", err)
	}
	if ok {
		m.record(false)
		return "", true, nil
	}

	m.record(true)
	prev, err := m.redis.Get(ctx, full).Result()
	if errors.Is(err, redis.Nil) {
		// 占用与读取之间键已过期
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return prev, false, nil
}

// Release 释放去重键，用于处理失败后允许发送方重试
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := m.redis.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup release failed: %w", err)
	}
	return nil
}

func (m *Manager) record(hit bool) {
	if m.metrics == nil {
		return
	}
	if hit {
		m.metrics.RecordCacheHit("webhook_dedup")
	} else {
		m.metrics.RecordCacheMiss("webhook_dedup")
	}
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭 Redis 客户端
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing redis manager")
	return m.redis.Close()
}

// ErrClosed Manager 已关闭
var ErrClosed = errors.New("cache manager is closed")
