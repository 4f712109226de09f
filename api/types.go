package api

import (
	"time"

	"github.com/BaSui01/procflow/journal"
	"github.com/BaSui01/procflow/process"
)

// =============================================================================
// 流程实例
// =============================================================================

// CreateProcessRequest 创建流程实例请求
type CreateProcessRequest struct {
	// 流程定义 ID
	ProcessID string `json:"process_id" example:"order"`
	// 初始上下文
	Input map[string]any `json:"input,omitempty"`
	// 覆盖初始状态，必须是定义中的状态
	InitialState string `json:"initial_state,omitempty"`
	// 指定实例 ID，为空时自动生成
	InstanceID string `json:"instance_id,omitempty"`
}

// TransitionRequest 针对单个实例的事件
type TransitionRequest struct {
	Event string         `json:"event" example:"pay"`
	Data  map[string]any `json:"data,omitempty"`
}

// TransitionResponse 转换结果
type TransitionResponse struct {
	Instance *process.Instance `json:"instance"`
	// 状态是否发生变化
	Changed bool `json:"changed"`
}

// ProcessListResponse 实例列表
type ProcessListResponse struct {
	Instances []*process.Instance `json:"instances"`
	Total     int                 `json:"total"`
}

// DefinitionListResponse 已注册的流程定义
type DefinitionListResponse struct {
	Definitions []process.Document `json:"definitions"`
	Total       int                `json:"total"`
}

// =============================================================================
// 事件
// =============================================================================

// EmitEventRequest 全局事件
type EmitEventRequest struct {
	Type    string `json:"type" example:"payment.received"`
	Payload any    `json:"payload,omitempty"`
	Source  string `json:"source,omitempty"`
}

// EventListResponse 事件日志查询结果，按时间升序
type EventListResponse struct {
	Events []journal.Record `json:"events"`
	Total  int              `json:"total"`
}

// =============================================================================
// 任务与服务
// =============================================================================

// ExecuteTaskRequest 执行任务请求
type ExecuteTaskRequest struct {
	Input any `json:"input,omitempty"`
	// 关联的流程实例
	InstanceID string `json:"instance_id,omitempty"`
	// 覆盖任务超时，Go duration 格式
	Timeout string `json:"timeout,omitempty" example:"30s"`
}

// ExecuteTaskResponse 执行任务结果
type ExecuteTaskResponse struct {
	TaskID   string `json:"task_id"`
	Output   any    `json:"output,omitempty"`
	Duration string `json:"duration"`
}

// TaskInfo 已注册任务摘要
type TaskInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// OperationRequest 服务操作请求
type OperationRequest struct {
	Input any `json:"input,omitempty"`
}

// OperationResponse 服务操作结果
type OperationResponse struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Output    any    `json:"output,omitempty"`
	Duration  string `json:"duration"`
}

// =============================================================================
// Webhook
// =============================================================================

// WebhookAccepted webhook 接收结果
type WebhookAccepted struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	// 重复投递时为 true，事件不会再次转发
	Duplicate   bool       `json:"duplicate,omitempty"`
	FirstSeenAt *time.Time `json:"first_seen_at,omitempty"`
}
