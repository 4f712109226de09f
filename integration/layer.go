package integration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/circuitbreaker"
	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/retry"
	"github.com/BaSui01/procflow/types"
)

// MetricsRecorder 服务调用指标
type MetricsRecorder interface {
	RecordServiceOperation(serviceID, operation, status string, duration time.Duration)
	RecordCircuitState(serviceID string, state circuitbreaker.State)
}

type nopMetrics struct{}

func (nopMetrics) RecordServiceOperation(string, string, string, time.Duration) {}
func (nopMetrics) RecordCircuitState(string, circuitbreaker.State)              {}

// Options 服务集成层配置
type Options struct {
	DefaultRetryPolicy    retry.Policy
	DefaultCircuitBreaker circuitbreaker.Config
	Metrics               MetricsRecorder
	// Clock / Sleeper 供测试替换熔断器时间源与重试等待
	Clock   func() time.Time
	Sleeper retry.Sleeper
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		DefaultRetryPolicy:    retry.DefaultPolicy(),
		DefaultCircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// Layer 服务集成层：注册外部服务，经重试与熔断执行其操作，并把入站 webhook 事件转发到事件总线
type Layer struct {
	bus     eventbus.Emitter
	logger  *zap.Logger
	opts    Options
	metrics MetricsRecorder
	tracer  trace.Tracer

	mu       sync.RWMutex
	services map[string]*Service
	webhooks map[string]*Webhook // serviceID -> webhook
	byPath   map[string]string   // path -> serviceID
}

// NewLayer 创建服务集成层
func NewLayer(bus eventbus.Emitter, logger *zap.Logger, opts Options) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Layer{
		bus:      bus,
		logger:   logger.With(zap.String("component", "integration")),
		opts:     opts,
		metrics:  metrics,
		tracer:   otel.Tracer("procflow/integration"),
		services: make(map[string]*Service),
		webhooks: make(map[string]*Webhook),
		byPath:   make(map[string]string),
	}
}

// RegisterService 注册服务。未指定的重试策略与熔断配置使用层级默认值。
func (l *Layer) RegisterService(id string, cfg ServiceConfig) (*Service, error) {
	if id == "" {
		return nil, types.NewValidationError("service id is required")
	}
	for name, op := range cfg.Operations {
		if name == "" || op == nil {
			return nil, types.NewValidationError("service %q: operation %q has no implementation", id, name)
		}
	}

	policy := l.opts.DefaultRetryPolicy
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}
	if err := policy.Validate(); err != nil {
		return nil, types.NewValidationError("service %q: %v", id, err)
	}

	typ := cfg.Type
	if typ == "" {
		typ = ServiceTypeCustom
	}

	svc := &Service{
		id:         id,
		typ:        typ,
		provider:   cfg.Provider,
		config:     cfg.Config,
		operations: make(map[string]Operation, len(cfg.Operations)),
		retry:      retry.NewExecutor(policy, l.logger.With(zap.String("service", id)), retry.WithSleeper(l.opts.Sleeper)),
	}
	for name, op := range cfg.Operations {
		svc.operations[name] = op
	}

	if !cfg.DisableCircuitBreaker {
		cbCfg := l.opts.DefaultCircuitBreaker
		if cfg.CircuitBreaker != nil {
			cbCfg = *cfg.CircuitBreaker
		}
		userHook := cbCfg.OnStateChange
		cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			l.metrics.RecordCircuitState(name, to)
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		svc.breaker = circuitbreaker.New(id, cbCfg, l.logger, circuitbreaker.WithClock(l.opts.Clock))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.services[id]; exists {
		return nil, types.NewValidationError("service %q is already registered", id)
	}
	l.services[id] = svc
	if svc.breaker != nil {
		l.metrics.RecordCircuitState(id, circuitbreaker.StateClosed)
	}

	l.logger.Info("service registered",
		zap.String("service", id),
		zap.String("type", string(typ)),
		zap.Strings("operations", svc.Operations()),
		zap.Bool("circuit_breaker", svc.breaker != nil),
	)
	return svc, nil
}

// GetService 查找服务
func (l *Layer) GetService(id string) (*Service, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	svc, ok := l.services[id]
	return svc, ok
}

// Services 返回全部服务摘要，按 ID 排序
func (l *Layer) Services() []Info {
	l.mu.RLock()
	out := make([]Info, 0, len(l.services))
	for id, svc := range l.services {
		info := svc.Info()
		if wh, ok := l.webhooks[id]; ok {
			info.Webhook = wh.Path
		}
		out = append(out, info)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BreakerStates 返回各服务熔断器状态（未挂载熔断器的服务不出现）
func (l *Layer) BreakerStates() map[string]circuitbreaker.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]circuitbreaker.State, len(l.services))
	for id, svc := range l.services {
		if svc.breaker != nil {
			out[id] = svc.breaker.State()
		}
	}
	return out
}

// ResetBreaker 手动将服务熔断器重置为 CLOSED
func (l *Layer) ResetBreaker(serviceID string) error {
	svc, ok := l.GetService(serviceID)
	if !ok {
		return serviceNotFound(serviceID)
	}
	if svc.breaker == nil {
		return types.NewValidationError("service %q has no circuit breaker", serviceID)
	}
	svc.breaker.Reset()
	return nil
}

func serviceNotFound(id string) error {
	return types.NewNotFoundError("service", id).WithCause(ErrServiceNotFound).WithHTTPStatus(404)
}

// ErrorEventType 返回服务操作最终失败时发布的事件类型
func ErrorEventType(serviceID string) string {
	return fmt.Sprintf("service.%s.error", serviceID)
}

// ExecuteOperation 执行服务操作：熔断器在最外层，内部为重试。
// 最终失败时先发布 service.<id>.error 事件，再原样返回错误。
func (l *Layer) ExecuteOperation(ctx context.Context, serviceID, operation string, input any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, ok := l.GetService(serviceID)
	if !ok {
		return nil, serviceNotFound(serviceID)
	}
	op, ok := svc.operations[operation]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "operation %q not found on service %q", operation, serviceID).
			WithCause(ErrOperationNotFound).
			WithHTTPStatus(404)
	}

	ctx, span := l.tracer.Start(ctx, "service.operation",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("procflow.service", serviceID),
			attribute.String("procflow.operation", operation),
		),
	)
	defer span.End()

	start := time.Now()
	attempts := 0
	call := func(ctx context.Context) (any, error) {
		return svc.retry.DoWithResult(ctx, func(ctx context.Context) (any, error) {
			attempts++
			return safeCall(ctx, serviceID, operation, op, input)
		})
	}

	var (
		result any
		err    error
	)
	if svc.breaker != nil {
		result, err = svc.breaker.ExecuteWithResult(ctx, call)
	} else {
		result, err = call(ctx)
	}
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("procflow.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.RecordServiceOperation(serviceID, operation, operationStatus(err), duration)
		l.logger.Warn("service operation failed",
			zap.String("service", serviceID),
			zap.String("operation", operation),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		l.emit(ctx, eventbus.NewEvent(ErrorEventType(serviceID), map[string]any{
			"operationName": operation,
			"input":         input,
			"error":         err,
		}).WithSource("service:"+serviceID))
		return nil, err
	}

	l.metrics.RecordServiceOperation(serviceID, operation, "success", duration)
	return result, nil
}

func operationStatus(err error) string {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return "rejected"
	}
	return "error"
}

func safeCall(ctx context.Context, serviceID, operation string, op Operation, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrServiceOperation, "service %q operation %q panicked: %v", serviceID, operation, r).
				WithCause(fmt.Errorf("%v\n%s", r, debug.Stack())).
				WithHTTPStatus(502)
			out = nil
		}
	}()
	return op(ctx, input)
}

func (l *Layer) emit(ctx context.Context, evt eventbus.Event) {
	if l.bus == nil {
		return
	}
	l.bus.Emit(ctx, evt)
}
