package runtime

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/integration"
)

// DefaultMaxCascadeDepth 事件级联的默认最大深度
const DefaultMaxCascadeDepth = 32

// MetricsRecorder 运行时指标
type MetricsRecorder interface {
	RecordProcessCreated(processID string)
	RecordProcessRemoved(processID string)
	RecordTransition(processID, from, to string)
	RecordEvent(eventType string)
	RecordTaskExecution(taskID, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordProcessCreated(string)                       {}
func (nopMetrics) RecordProcessRemoved(string)                       {}
func (nopMetrics) RecordTransition(string, string, string)           {}
func (nopMetrics) RecordEvent(string)                                {}
func (nopMetrics) RecordTaskExecution(string, string, time.Duration) {}

type settings struct {
	logger             *zap.Logger
	bus                *eventbus.Bus
	metrics            MetricsRecorder
	integrationOptions integration.Options
	now                func() time.Time
	newID              func() string
	maxCascadeDepth    int
}

func defaultSettings() settings {
	return settings{
		logger:             zap.NewNop(),
		metrics:            nopMetrics{},
		integrationOptions: integration.DefaultOptions(),
		now:                time.Now,
		newID:              uuid.NewString,
		maxCascadeDepth:    DefaultMaxCascadeDepth,
	}
}

// Option configures a Runtime.
type Option func(*settings)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus 使用外部事件总线，未设置时运行时自建
func WithBus(bus *eventbus.Bus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithIntegrationOptions 设置服务集成层的默认重试与熔断配置
func WithIntegrationOptions(opts integration.Options) Option {
	return func(s *settings) { s.integrationOptions = opts }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换实例与执行 ID 生成器
func WithIDGenerator(gen func() string) Option {
	return func(s *settings) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithMaxCascadeDepth 设置事件级联的最大深度，<=0 时使用默认值
func WithMaxCascadeDepth(depth int) Option {
	return func(s *settings) {
		if depth > 0 {
			s.maxCascadeDepth = depth
		}
	}
}

// =============================================================================
// 调用选项
// =============================================================================

// CreateOption configures CreateProcess.
type CreateOption func(*createOptions)

type createOptions struct {
	initialState string
	context      map[string]any
	instanceID   string
}

// WithInitialState 覆盖定义的初始状态
func WithInitialState(state string) CreateOption {
	return func(o *createOptions) { o.initialState = state }
}

// WithContext 合并到实例上下文，优先于 input
func WithContext(overrides map[string]any) CreateOption {
	return func(o *createOptions) { o.context = overrides }
}

// WithInstanceID 指定实例 ID，默认生成 UUID
func WithInstanceID(id string) CreateOption {
	return func(o *createOptions) { o.instanceID = id }
}

// ExecuteOption configures ExecuteTask.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	instanceID string
	timeout    time.Duration
}

// ForInstance 标记任务由某个流程实例发起
func ForInstance(instanceID string) ExecuteOption {
	return func(o *executeOptions) { o.instanceID = instanceID }
}

// WithTimeout 覆盖任务定义中的超时
func WithTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) { o.timeout = d }
}
