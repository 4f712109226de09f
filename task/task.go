package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/types"
)

// Func 任务实现，统一调用约定 (ctx, input, *Context)
type Func func(ctx context.Context, input any, tc *Context) (any, error)

// Options 任务选项
type Options struct {
	// Timeout 单次执行超时，0 表示不限制
	Timeout  time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Definition 任务定义。InputSchema / OutputSchema 仅作文档用途。
type Definition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	Implementation Func           `json:"-"`
	Options        Options        `json:"options"`
}

// Validate 校验定义
func (d Definition) Validate() error {
	if d.ID == "" {
		return types.NewValidationError("task id is required")
	}
	if d.Implementation == nil {
		return types.NewValidationError("task %q: implementation is required", d.ID)
	}
	if d.Options.Timeout < 0 {
		return types.NewValidationError("task %q: timeout must not be negative", d.ID)
	}
	return nil
}

// =============================================================================
// 任务上下文
// =============================================================================

// ServiceLocator 按名称查找服务
type ServiceLocator interface {
	GetService(name string) (any, bool)
}

// EmitFunc 发布事件
type EmitFunc func(ctx context.Context, eventType string, payload any) eventbus.Event

// ExecuteFunc 执行另一个任务
type ExecuteFunc func(ctx context.Context, taskID string, input any) (any, error)

// OperationFunc 经重试与熔断执行服务操作
type OperationFunc func(ctx context.Context, serviceID, operation string, input any) (any, error)

// Context 单次任务执行的上下文，不持久化
type Context struct {
	Input       any
	TaskID      string
	ExecutionID string
	// InstanceID 发起执行的流程实例，可为空
	InstanceID string

	services ServiceLocator
	emit     EmitFunc
	execute  ExecuteFunc
	operate  OperationFunc
}

// ContextParams 构造 Context 的参数
type ContextParams struct {
	Input       any
	TaskID      string
	ExecutionID string
	InstanceID  string
	Services    ServiceLocator
	Emit        EmitFunc
	Execute     ExecuteFunc
	Operate     OperationFunc
}

// NewContext 创建任务上下文
func NewContext(p ContextParams) *Context {
	return &Context{
		Input:       p.Input,
		TaskID:      p.TaskID,
		ExecutionID: p.ExecutionID,
		InstanceID:  p.InstanceID,
		services:    p.Services,
		emit:        p.Emit,
		execute:     p.Execute,
		operate:     p.Operate,
	}
}

// Service 返回已注册的服务
func (c *Context) Service(name string) (any, bool) {
	if c == nil || c.services == nil {
		return nil, false
	}
	return c.services.GetService(name)
}

// Emit 发布事件，驱动流程实例的状态转换
func (c *Context) Emit(ctx context.Context, eventType string, payload any) eventbus.Event {
	if c == nil || c.emit == nil {
		return eventbus.Event{Type: eventType, Payload: payload}
	}
	return c.emit(ctx, eventType, payload)
}

// ExecuteTask 执行另一个已注册任务
func (c *Context) ExecuteTask(ctx context.Context, taskID string, input any) (any, error) {
	if c == nil || c.execute == nil {
		return nil, types.NewNotFoundError("task", taskID)
	}
	return c.execute(ctx, taskID, input)
}

// ExecuteOperation 调用已注册服务的操作
func (c *Context) ExecuteOperation(ctx context.Context, serviceID, operation string, input any) (any, error) {
	if c == nil || c.operate == nil {
		return nil, types.NewNotFoundError("service", serviceID)
	}
	return c.operate(ctx, serviceID, operation, input)
}

// =============================================================================
// 执行
// =============================================================================

// Run 执行任务实现。
// 实现返回的错误原样返回；panic 转为 TASK_EXECUTION，超时转为 TIMEOUT。
func Run(ctx context.Context, def Definition, input any, tc *Context) (any, error) {
	if def.Options.Timeout <= 0 {
		return invoke(ctx, def, input, tc)
	}

	runCtx, cancel := context.WithTimeout(ctx, def.Options.Timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := invoke(runCtx, def, input, tc)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		// 实现自己观察到截止时间并返回 ctx.Err() 的情况同样视为超时
		if r.err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(def)
		}
		return r.out, r.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(def)
	}
}

func timeoutError(def Definition) error {
	return types.Errorf(types.ErrTimeout, "task %q timed out after %s", def.ID, def.Options.Timeout).
		WithCause(context.DeadlineExceeded).
		WithHTTPStatus(504)
}

func invoke(ctx context.Context, def Definition, input any, tc *Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrTaskExecution, "task %q panicked: %v", def.ID, r).
				WithCause(fmt.Errorf("%v\n%s", r, debug.Stack())).
				WithHTTPStatus(500)
			out = nil
		}
	}()
	return def.Implementation(ctx, input, tc)
}

// =============================================================================
// 注册表
// =============================================================================

// Registry 任务注册表，每个 ID 只能注册一次
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Definition
}

// NewRegistry 创建任务注册表
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Definition)}
}

// Register 注册任务定义
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[def.ID]; exists {
		return types.NewValidationError("task %q is already registered", def.ID)
	}
	r.tasks[def.ID] = def
	return nil
}

// Get 查找任务定义
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[id]
	return def, ok
}

// List 返回全部任务定义，按 ID 排序
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tasks))
	for _, def := range r.tasks {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// 类型化适配
// =============================================================================

// Typed 将强类型实现适配为 Func。
// input 不是 In 类型时经 JSON 转换（HTTP 入参通常是 map），转换失败返回 VALIDATION_ERROR。
func Typed[In, Out any](fn func(ctx context.Context, input In, tc *Context) (Out, error)) Func {
	return func(ctx context.Context, input any, tc *Context) (any, error) {
		in, err := convertInput[In](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in, tc)
	}
}

func convertInput[In any](input any) (In, error) {
	var in In
	if input == nil {
		return in, nil
	}
	if v, ok := input.(In); ok {
		return v, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return in, types.NewValidationError("task input is not serializable: %v", err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, types.NewValidationError("task input does not match %T: %v", in, err)
	}
	return in, nil
}
