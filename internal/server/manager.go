package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config HTTP 监听配置
type Config struct {
	Name            string        `yaml:"name" json:"name"` // 日志中区分 api / metrics
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认监听配置
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 管理一个 HTTP 监听的生命周期。
//
// 所有请求的 ctx 都派生自 Manager 的基础 ctx，Shutdown 开始时取消它：
// http.Server.Shutdown 不会关闭被接管的连接（事件流 websocket），
// 这些处理器只能通过 r.Context() 感知服务正在退出。
type Manager struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc
	failed     chan error

	mu       sync.RWMutex
	listener net.Listener
	stopped  bool
}

// NewManager 创建 Manager，不会立即监听
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "http_server"), zap.String("server", cfg.Name)),
		base:       base,
		cancelBase: cancel,
		failed:     make(chan error, 1),
	}
	m.srv = &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return m.base },
	}
	m.srv.RegisterOnShutdown(cancel)
	return m
}

// Start 监听配置地址并在后台提供服务
func (m *Manager) Start() error {
	ln, err := m.listen()
	if err != nil {
		return err
	}
	m.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	go func() {
		err := m.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("serve failed", zap.Error(err))
		select {
		case m.failed <- err:
		default:
		}
	}()
	return nil
}

func (m *Manager) listen() (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped:
		return nil, fmt.Errorf("%s server is closed", m.cfg.Name)
	case m.listener != nil:
		return nil, fmt.Errorf("%s server already started", m.cfg.Name)
	}
	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.listener = ln
	return ln, nil
}

// Run 启动并阻塞，直到 ctx 结束（返回 nil）或 Serve 失败（返回该错误），两种情况都会关闭服务。
// 用作 errgroup 成员。
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return m.Shutdown(context.WithoutCancel(ctx))
	case err := <-m.failed:
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("%s server: %w", m.cfg.Name, err)
	}
}

// Shutdown 取消所有请求 ctx 并等待普通请求结束，重复调用无副作用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	start := time.Now()
	err := m.srv.Shutdown(ctx)
	// 未启动时 Shutdown 不会触发 OnShutdown 钩子
	m.cancelBase()
	if err != nil {
		m.logger.Error("shutdown incomplete", zap.Error(err), zap.Duration("waited", time.Since(start)))
		return err
	}
	m.logger.Info("stopped", zap.Duration("drain", time.Since(start)))
	return nil
}

// Errors 返回后台 Serve 失败的错误
func (m *Manager) Errors() <-chan error { return m.failed }

// Addr 返回配置的监听地址
func (m *Manager) Addr() string { return m.cfg.Addr }

// ListenAddr 返回实际监听地址，未启动时为空
func (m *Manager) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// IsRunning 已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.stopped
}
