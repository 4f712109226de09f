package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/process"
	"github.com/BaSui01/procflow/task"
	"github.com/BaSui01/procflow/types"
)

// 运行时生命周期事件
const (
	EventProcessCreated = "PROCESS_CREATED"
	EventStateChanged   = "STATE_CHANGED"
	EventProcessRemoved = "PROCESS_REMOVED"
	EventTaskStarted    = "TASK_STARTED"
	EventTaskCompleted  = "TASK_COMPLETED"
	EventTaskFailed     = "TASK_FAILED"
)

// 事件来源
const sourceRuntime = "runtime"

// 并发修改同一实例时的最大重试次数
const maxTransitionConflicts = 16

var errConflict = errors.New("instance modified concurrently")

// Runtime 流程/任务编排运行时。
// 组合事件总线、流程定义注册表、实例存储、任务注册表与服务集成层。
type Runtime struct {
	bus         *eventbus.Bus
	integration *integration.Layer
	store       *process.Store
	tasks       *task.Registry
	logger      *zap.Logger
	metrics     MetricsRecorder
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	maxDepth    int

	mu          sync.RWMutex
	definitions map[string]*process.Definition
	defOrder    []string
	byEvent     map[string][]string // event type -> definition ids
	services    map[string]any
}

// New 创建运行时
func New(opts ...Option) *Runtime {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	logger := s.logger.With(zap.String("component", "runtime"))

	bus := s.bus
	if bus == nil {
		bus = eventbus.New(s.logger, eventbus.WithClock(s.now))
	}

	r := &Runtime{
		bus:         bus,
		store:       process.NewStore(),
		tasks:       task.NewRegistry(),
		logger:      logger,
		metrics:     s.metrics,
		tracer:      otel.Tracer("procflow/runtime"),
		now:         s.now,
		newID:       s.newID,
		maxDepth:    s.maxCascadeDepth,
		definitions: make(map[string]*process.Definition),
		byEvent:     make(map[string][]string),
		services:    make(map[string]any),
	}
	r.integration = integration.NewLayer(runtimeEmitter{r}, s.logger, s.integrationOptions)
	return r
}

// runtimeEmitter 让服务集成层发布的事件同样驱动流程实例
type runtimeEmitter struct{ r *Runtime }

func (e runtimeEmitter) Emit(ctx context.Context, evt eventbus.Event) eventbus.Event {
	return e.r.Emit(ctx, evt)
}

// Bus returns the event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Integration returns the service integration layer.
func (r *Runtime) Integration() *integration.Layer { return r.integration }

// =============================================================================
// 流程定义
// =============================================================================

// DefineProcess 校验并注册流程定义
func (r *Runtime) DefineProcess(cfg process.Config) (*process.Definition, error) {
	def, err := process.Define(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.RegisterProcess(def); err != nil {
		return nil, err
	}
	return def, nil
}

// RegisterProcess 注册已校验的定义，同一 ID 只能注册一次
func (r *Runtime) RegisterProcess(def *process.Definition) error {
	if def == nil {
		return types.NewValidationError("process definition is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.ID()]; exists {
		return types.NewValidationError("process %q is already defined", def.ID())
	}
	r.definitions[def.ID()] = def
	r.defOrder = append(r.defOrder, def.ID())
	for _, evt := range def.Events() {
		r.byEvent[evt] = append(r.byEvent[evt], def.ID())
	}

	r.logger.Info("process defined",
		zap.String("process_id", def.ID()),
		zap.Strings("states", def.States()),
		zap.Strings("events", def.Events()),
	)
	return nil
}

// ProcessDefinition looks up a definition by id.
func (r *Runtime) ProcessDefinition(id string) (*process.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	return def, ok
}

// ProcessDefinitions 按注册顺序返回全部定义
func (r *Runtime) ProcessDefinitions() []*process.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*process.Definition, 0, len(r.defOrder))
	for _, id := range r.defOrder {
		out = append(out, r.definitions[id])
	}
	return out
}

// =============================================================================
// 流程实例
// =============================================================================

// CreateProcess 创建流程实例。
// 初始状态优先级：WithInitialState > 定义默认值；上下文为 input 与 WithContext 的浅合并。
func (r *Runtime) CreateProcess(ctx context.Context, processID string, input map[string]any, opts ...CreateOption) (*process.Instance, error) {
	ctx = orBackground(ctx)
	def, ok := r.ProcessDefinition(processID)
	if !ok {
		return nil, types.NewNotFoundError("process", processID).WithHTTPStatus(404)
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	state := def.InitialState()
	if o.initialState != "" {
		if !def.HasState(o.initialState) {
			return nil, types.NewValidationError("process %q has no state %q", processID, o.initialState)
		}
		state = o.initialState
	}

	id := o.instanceID
	if id == "" {
		id = r.newID()
	}

	data := maps.Clone(input)
	if data == nil {
		data = make(map[string]any, len(o.context))
	}
	maps.Copy(data, o.context)

	now := r.now()
	inst := &process.Instance{
		ID:        id,
		ProcessID: processID,
		State:     state,
		Context:   data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Put(inst); err != nil {
		return nil, err
	}

	r.metrics.RecordProcessCreated(processID)
	r.logger.Debug("process created",
		zap.String("instance_id", id),
		zap.String("process_id", processID),
		zap.String("state", state),
	)

	r.Emit(ctx, eventbus.NewEvent(EventProcessCreated, map[string]any{
		"instanceId": id,
		"processId":  processID,
		"state":      state,
	}).WithSource(sourceRuntime))

	return inst.Clone(), nil
}

// GetProcess 返回实例快照
func (r *Runtime) GetProcess(instanceID string) (*process.Instance, error) {
	inst, ok := r.store.Get(instanceID)
	if !ok {
		return nil, types.NewNotFoundError("instance", instanceID).WithHTTPStatus(404)
	}
	return inst, nil
}

// ListProcesses 返回实例快照，processID 为空时返回全部
func (r *Runtime) ListProcesses(processID string) []*process.Instance {
	if processID == "" {
		return r.store.List()
	}
	return r.store.ListByProcess(processID)
}

// RemoveProcess 删除实例并发布 PROCESS_REMOVED
func (r *Runtime) RemoveProcess(ctx context.Context, instanceID string) error {
	ctx = orBackground(ctx)
	inst, ok := r.store.Delete(instanceID)
	if !ok {
		return types.NewNotFoundError("instance", instanceID).WithHTTPStatus(404)
	}
	r.metrics.RecordProcessRemoved(inst.ProcessID)
	r.Emit(ctx, eventbus.NewEvent(EventProcessRemoved, map[string]any{
		"instanceId": inst.ID,
		"processId":  inst.ProcessID,
		"state":      inst.State,
	}).WithSource(sourceRuntime))
	return nil
}

// TransitionProcess 用 eventType 驱动实例。
// 没有匹配的转换时原样返回实例，不视为错误。
func (r *Runtime) TransitionProcess(ctx context.Context, instanceID, eventType string, data map[string]any) (*process.Instance, error) {
	ctx = orBackground(ctx)
	if _, ok := r.store.Get(instanceID); !ok {
		return nil, types.NewNotFoundError("instance", instanceID).WithHTTPStatus(404)
	}
	evt := eventbus.Event{
		ID:        r.newID(),
		Type:      eventType,
		Payload:   data,
		Timestamp: r.now(),
		Source:    sourceRuntime,
	}
	inst, _, err := r.advance(ctx, instanceID, evt, data)
	return inst, err
}

// advance 找到第一个守卫通过的候选转换并提交。
// 守卫在锁外求值，提交时通过 Version 检测并发修改，冲突则重新求值。
func (r *Runtime) advance(ctx context.Context, instanceID string, evt eventbus.Event, data map[string]any) (*process.Instance, bool, error) {
	for range maxTransitionConflicts {
		snap, ok := r.store.Get(instanceID)
		if !ok {
			return nil, false, types.NewNotFoundError("instance", instanceID).WithHTTPStatus(404)
		}
		def, ok := r.ProcessDefinition(snap.ProcessID)
		if !ok {
			return nil, false, types.NewNotFoundError("process", snap.ProcessID)
		}

		chosen, stable, found := r.selectTransition(ctx, def, snap, evt)
		if !found {
			return snap, false, nil
		}

		from := snap.State
		updated, err := r.store.Update(instanceID, func(inst *process.Instance) error {
			// 无守卫的首个候选只依赖当前状态，状态未变即可直接提交
			if inst.Version != snap.Version && (!stable || inst.State != from) {
				return errConflict
			}
			inst.MergeContext(data)
			inst.State = chosen.To
			inst.UpdatedAt = r.now()
			inst.History = append(inst.History, process.HistoryEntry{
				From:  from,
				To:    chosen.To,
				Event: evt.Type,
				At:    inst.UpdatedAt,
			})
			return nil
		})
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		r.metrics.RecordTransition(def.ID(), from, chosen.To)
		r.logger.Debug("process transitioned",
			zap.String("instance_id", instanceID),
			zap.String("process_id", def.ID()),
			zap.String("event", evt.Type),
			zap.String("from", from),
			zap.String("to", chosen.To),
		)

		r.Emit(ctx, eventbus.NewEvent(EventStateChanged, map[string]any{
			"instanceId":    instanceID,
			"processId":     def.ID(),
			"previousState": from,
			"newState":      chosen.To,
			"event":         evt.Type,
		}).WithSource(sourceRuntime))

		if chosen.Action != nil {
			r.runAction(ctx, chosen, updated, evt)
		}
		return updated, true, nil
	}
	return nil, false, types.Errorf(types.ErrInternalError,
		"instance %q: too many concurrent modifications", instanceID).WithRetryable(true)
}

// selectTransition 返回第一个守卫通过的候选；stable 表示选中的是无守卫的首个候选
func (r *Runtime) selectTransition(ctx context.Context, def *process.Definition, snap *process.Instance, evt eventbus.Event) (process.Transition, bool, bool) {
	for i, t := range def.Candidates(snap.State, evt.Type) {
		if t.Guard == nil {
			return t, i == 0, true
		}
		ok, err := r.evalGuard(ctx, t, snap, evt)
		if err != nil {
			r.logger.Warn("transition guard failed",
				zap.String("instance_id", snap.ID),
				zap.String("event", evt.Type),
				zap.String("to", t.To),
				zap.Error(err),
			)
			continue
		}
		if ok {
			return t, false, true
		}
	}
	return process.Transition{}, false, false
}

func (r *Runtime) evalGuard(ctx context.Context, t process.Transition, snap *process.Instance, evt eventbus.Event) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("guard panicked: %v", rec)
		}
	}()
	return t.Guard(ctx, maps.Clone(snap.Context), evt)
}

func (r *Runtime) runAction(ctx context.Context, t process.Transition, inst *process.Instance, evt eventbus.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("transition action panicked",
				zap.String("instance_id", inst.ID),
				zap.String("event", evt.Type),
				zap.Any("recover", rec),
			)
		}
	}()
	if err := t.Action(ctx, maps.Clone(inst.Context), evt); err != nil {
		r.logger.Error("transition action failed",
			zap.String("instance_id", inst.ID),
			zap.String("event", evt.Type),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 事件
// =============================================================================

type depthKey struct{}

// orBackground 允许调用方传入 nil ctx
func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func cascadeDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// EmitEvent 发布事件并驱动所有匹配的流程实例
func (r *Runtime) EmitEvent(ctx context.Context, eventType string, payload any) eventbus.Event {
	return r.Emit(ctx, eventbus.NewEvent(eventType, payload))
}

// Emit 先同步投递到事件总线，再对监听该事件类型的定义下的每个实例尝试转换。
// 事件 payload 为 map 时浅合并到实例上下文。
func (r *Runtime) Emit(ctx context.Context, evt eventbus.Event) eventbus.Event {
	ctx = orBackground(ctx)
	depth := cascadeDepth(ctx)
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	published := r.bus.Emit(ctx, evt)
	r.metrics.RecordEvent(published.Type)

	if depth >= r.maxDepth {
		r.logger.Warn("event cascade depth exceeded, skipping process dispatch",
			zap.String("event_type", published.Type),
			zap.Int("depth", depth),
			zap.Int("max_depth", r.maxDepth),
		)
		return published
	}

	r.dispatch(ctx, published)
	return published
}

func (r *Runtime) dispatch(ctx context.Context, evt eventbus.Event) {
	r.mu.RLock()
	defIDs := append([]string(nil), r.byEvent[evt.Type]...)
	r.mu.RUnlock()
	if len(defIDs) == 0 {
		return
	}

	data, _ := evt.PayloadMap()
	for _, defID := range defIDs {
		for _, instanceID := range r.store.IDsByProcess(defID) {
			if _, _, err := r.advance(ctx, instanceID, evt, data); err != nil {
				// 实例可能已被并发删除
				r.logger.Debug("event dispatch skipped instance",
					zap.String("instance_id", instanceID),
					zap.String("event_type", evt.Type),
					zap.Error(err),
				)
			}
		}
	}
}

// Subscribe 订阅事件总线
func (r *Runtime) Subscribe(eventType string, handler eventbus.Handler) *eventbus.Subscription {
	return r.bus.Subscribe(eventType, handler)
}

// =============================================================================
// 任务
// =============================================================================

// RegisterTask 注册任务定义
func (r *Runtime) RegisterTask(def task.Definition) error {
	if err := r.tasks.Register(def); err != nil {
		return err
	}
	r.logger.Info("task registered", zap.String("task_id", def.ID))
	return nil
}

// Tasks 返回已注册的任务定义
func (r *Runtime) Tasks() []task.Definition { return r.tasks.List() }

// ExecuteTask 执行任务：发布 TASK_STARTED，调用实现，成功发布 TASK_COMPLETED，
// 失败发布 TASK_FAILED 后原样返回错误。运行时不重试任务。
func (r *Runtime) ExecuteTask(ctx context.Context, taskID string, input any, opts ...ExecuteOption) (any, error) {
	ctx = orBackground(ctx)
	def, ok := r.tasks.Get(taskID)
	if !ok {
		return nil, types.NewNotFoundError("task", taskID).WithHTTPStatus(404)
	}

	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		def.Options.Timeout = o.timeout
	}

	executionID := r.newID()
	ctx, span := r.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("procflow.task", taskID),
			attribute.String("procflow.execution_id", executionID),
		),
	)
	defer span.End()

	tc := task.NewContext(task.ContextParams{
		Input:       input,
		TaskID:      taskID,
		ExecutionID: executionID,
		InstanceID:  o.instanceID,
		Services:    r,
		Emit:        r.EmitEvent,
		Execute: func(ctx context.Context, childID string, childInput any) (any, error) {
			return r.ExecuteTask(ctx, childID, childInput, ForInstance(o.instanceID))
		},
		Operate: r.ExecuteOperation,
	})

	base := map[string]any{
		"taskId":      taskID,
		"executionId": executionID,
	}
	if o.instanceID != "" {
		base["instanceId"] = o.instanceID
	}
	withBase := func(k string, v any) map[string]any {
		m := maps.Clone(base)
		m[k] = v
		return m
	}

	r.Emit(ctx, eventbus.NewEvent(EventTaskStarted, withBase("input", input)).WithSource(sourceRuntime))

	start := time.Now()
	result, err := task.Run(ctx, def, input, tc)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordTaskExecution(taskID, "failure", duration)
		r.logger.Warn("task failed",
			zap.String("task_id", taskID),
			zap.String("execution_id", executionID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		r.Emit(ctx, eventbus.NewEvent(EventTaskFailed, withBase("error", err)).WithSource(sourceRuntime))
		return nil, err
	}

	r.metrics.RecordTaskExecution(taskID, "success", duration)
	r.Emit(ctx, eventbus.NewEvent(EventTaskCompleted, withBase("result", result)).WithSource(sourceRuntime))
	return result, nil
}

// =============================================================================
// 服务
// =============================================================================

// RegisterService 注册具名服务。
// 传入 integration.ServiceConfig 时由服务集成层包装重试与熔断，其余值作为不透明服务保存。
func (r *Runtime) RegisterService(name string, svc any) error {
	if name == "" {
		return types.NewValidationError("service name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return types.NewValidationError("service %q is already registered", name)
	}
	if _, exists := r.integration.GetService(name); exists {
		return types.NewValidationError("service %q is already registered", name)
	}
	if cfg, ok := svc.(integration.ServiceConfig); ok {
		registered, err := r.integration.RegisterService(name, cfg)
		if err != nil {
			return err
		}
		svc = registered
	}
	r.services[name] = svc
	return nil
}

// GetService 按名称查找服务，包括直接注册到服务集成层的服务
func (r *Runtime) GetService(name string) (any, bool) {
	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if ok {
		return svc, true
	}
	if s, ok := r.integration.GetService(name); ok {
		return s, true
	}
	return nil, false
}

// ExecuteOperation 经服务集成层执行服务操作
func (r *Runtime) ExecuteOperation(ctx context.Context, serviceID, operation string, input any) (any, error) {
	return r.integration.ExecuteOperation(orBackground(ctx), serviceID, operation, input)
}
