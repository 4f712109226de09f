package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（快速失败）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以状态名序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析状态名
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// ErrCircuitOpen 熔断器打开时的哨兵错误，配合 errors.Is 使用
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError 熔断器拒绝调用时返回，被包装的函数不会被调用
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// Is 使 errors.Is(err, ErrCircuitOpen) 成立
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// AsTypesError 转换为结构化错误，供 HTTP 层映射状态码
func (e *OpenError) AsTypesError() *types.Error {
	return types.NewError(types.ErrCircuitOpen, e.Error()).
		WithCause(e).
		WithHTTPStatus(503).
		WithRetryable(true)
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// SuccessThreshold 半开状态下连续成功多少次后关闭
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`

	// IsFailure 判断错误是否计入失败，nil 时所有错误都计入
	IsFailure func(err error) bool `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// Breaker 三态熔断器。
// 计数器由互斥锁保护，被包装的函数在锁外执行。
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock 替换时间源，测试中用于推进 reset 窗口
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New 创建熔断器，非法的配置值回退为默认值
func New(name string, config Config, logger *zap.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		config: config.normalized(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.config }

type stateChange struct {
	from, to State
}

// Execute 通过熔断器执行 fn。打开且仍在 reset 窗口内时直接返回 *OpenError。
// fn 返回的错误原样返回。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// ExecuteWithResult 执行调用并返回结果
func (b *Breaker) ExecuteWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	b.afterCall(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	var change *stateChange

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.config.ResetTimeout {
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: b.config.ResetTimeout - elapsed}
		}
		change = b.setState(StateHalfOpen)
		b.successes = 0
		b.logger.Info("circuit breaker half-open, allowing trial call")
	}
	b.mu.Unlock()

	b.notify(change)
	return nil
}

func (b *Breaker) afterCall(err error) {
	failed := err != nil
	if failed && b.config.IsFailure != nil {
		failed = b.config.IsFailure(err)
	}

	b.mu.Lock()
	var change *stateChange
	if failed {
		change = b.onFailure(err)
	} else {
		change = b.onSuccess()
	}
	b.mu.Unlock()

	b.notify(change)
}

func (b *Breaker) onSuccess() *stateChange {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.logger.Info("circuit breaker closed")
			return b.setState(StateClosed)
		}
	default:
		b.failures = 0
	}
	return nil
}

func (b *Breaker) onFailure(err error) *stateChange {
	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		// 半开状态下单次失败立即重新打开
		b.successes = 0
		b.logger.Warn("circuit breaker trial failed, reopening", zap.Error(err))
		return b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.config.FailureThreshold),
				zap.Error(err),
			)
			return b.setState(StateOpen)
		}
	}
	return nil
}

// setState 需在持锁时调用
func (b *Breaker) setState(to State) *stateChange {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return &stateChange{from: from, to: to}
}

func (b *Breaker) notify(change *stateChange) {
	if change == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(b.name, change.from, change.to)
}

// State 返回当前状态。处于 OPEN 且窗口已过时仍返回 OPEN，直到下一次调用。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 返回当前连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot 返回状态快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset 强制回到 CLOSED 并清零计数器
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.lastFailureTime = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset")
	b.notify(change)
}
