package handlers

import (
	"context"
	"fmt"
	"net/http"
	goruntime "runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/procflow/circuitbreaker"
	"github.com/BaSui01/procflow/journal"
	"github.com/BaSui01/procflow/runtime"
)

// 就绪状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultCheckTimeout 单个就绪检查的默认超时
const DefaultCheckTimeout = 3 * time.Second

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 提供存活、就绪与版本端点。
// 就绪检查并发执行；关键依赖失败返回 503，非关键依赖失败只标记 degraded。
type HealthHandler struct {
	logger       *zap.Logger
	rt           *runtime.Runtime
	checkTimeout time.Duration
	started      time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 就绪检查
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// criticalCheck 由可声明自身是否关键的检查实现，未实现时视为关键
type criticalCheck interface {
	Critical() bool
}

// ServiceHealthResponse 健康状态响应
type ServiceHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Runtime   *RuntimeStats          `json:"runtime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // "pass", "fail"
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// RuntimeStats 运行时规模快照
type RuntimeStats struct {
	Definitions  int      `json:"definitions"`
	Instances    int      `json:"instances"`
	Tasks        int      `json:"tasks"`
	Services     int      `json:"services"`
	OpenCircuits []string `json:"open_circuits,omitempty"`
}

// HealthOption configures a HealthHandler.
type HealthOption func(*HealthHandler)

// WithRuntimeStats 就绪响应附带 rt 的定义、实例、任务与服务数量
func WithRuntimeStats(rt *runtime.Runtime) HealthOption {
	return func(h *HealthHandler) { h.rt = rt }
}

// WithCheckTimeout 设置单个检查的超时
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.checkTimeout = d
		}
	}
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		logger:       logger.With(zap.String("component", "health")),
		checkTimeout: DefaultCheckTimeout,
		started:      time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查，同名检查被替换
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checks {
		if c.Name() == check.Name() {
			h.checks[i] = check
			return
		}
	}
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 与 /healthz，只表示进程在运行
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleReady 处理 /ready
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := h.Readiness(r.Context())
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, resp)
}

// Readiness 并发执行全部检查并汇总
func (h *HealthHandler) Readiness(ctx context.Context) ServiceHealthResponse {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	resp := ServiceHealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Runtime:   h.runtimeStats(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		resp.Checks[check.Name()] = res
		if res.Status == "pass" {
			continue
		}
		if res.Critical {
			resp.Status = StatusUnhealthy
		} else if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) (res CheckResult) {
	res = CheckResult{Status: "pass", Critical: true}
	if c, ok := check.(criticalCheck); ok {
		res.Critical = c.Critical()
	}

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Status = "fail"
			res.Message = fmt.Sprintf("check panicked: %v", p)
		}
		res.Latency = time.Since(start).String()
		if res.Status != "pass" {
			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Bool("critical", res.Critical),
				zap.String("error", res.Message),
			)
		}
	}()

	if err := check.Check(ctx); err != nil {
		res.Status = "fail"
		res.Message = err.Error()
	}
	return res
}

func (h *HealthHandler) runtimeStats() *RuntimeStats {
	if h.rt == nil {
		return nil
	}
	stats := &RuntimeStats{
		Definitions: len(h.rt.ProcessDefinitions()),
		Instances:   len(h.rt.ListProcesses("")),
		Tasks:       len(h.rt.Tasks()),
		Services:    len(h.rt.Integration().Services()),
	}
	for id, state := range h.rt.Integration().BreakerStates() {
		if state == circuitbreaker.StateOpen {
			stats.OpenCircuits = append(stats.OpenCircuits, id)
		}
	}
	sort.Strings(stats.OpenCircuits)
	return stats
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
			"go_version": goruntime.Version(),
		})
	}
}

// =============================================================================
// 🔧 检查实现
// =============================================================================

// DependencyCheck 以 ping 函数探测外部依赖（Redis、数据库、Mongo）
type DependencyCheck struct {
	name     string
	ping     func(ctx context.Context) error
	critical bool
}

// NewDependencyCheck 创建关键依赖检查
func NewDependencyCheck(name string, ping func(ctx context.Context) error) *DependencyCheck {
	return &DependencyCheck{name: name, ping: ping, critical: true}
}

// Optional 标记为非关键依赖，失败时只降级
func (c *DependencyCheck) Optional() *DependencyCheck {
	c.critical = false
	return c
}

func (c *DependencyCheck) Name() string   { return c.name }
func (c *DependencyCheck) Critical() bool { return c.critical }

func (c *DependencyCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// JournalCheck 读取一条记录确认事件日志后端可用，并在写入队列将满时报告失败。
// 日志不影响流程推进，因此不是关键检查。
type JournalCheck struct {
	store    journal.Store
	recorder *journal.Recorder
	backend  journal.Backend
}

// NewJournalCheck 创建事件日志检查，recorder 可为 nil
func NewJournalCheck(backend journal.Backend, store journal.Store, recorder *journal.Recorder) *JournalCheck {
	return &JournalCheck{store: store, recorder: recorder, backend: backend}
}

func (c *JournalCheck) Name() string   { return "journal" }
func (c *JournalCheck) Critical() bool { return false }

func (c *JournalCheck) Check(ctx context.Context) error {
	if _, err := c.store.List(ctx, journal.Query{Limit: 1}); err != nil {
		return fmt.Errorf("%s journal: %w", c.backend, err)
	}
	if c.recorder != nil {
		pending, capacity := c.recorder.Pending(), c.recorder.Capacity()
		if capacity > 0 && pending*10 >= capacity*9 {
			return fmt.Errorf("%s journal: write queue %d/%d", c.backend, pending, capacity)
		}
	}
	return nil
}
