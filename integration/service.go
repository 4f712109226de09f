package integration

import (
	"context"
	"errors"
	"maps"
	"sort"

	"github.com/BaSui01/procflow/circuitbreaker"
	"github.com/BaSui01/procflow/retry"
)

// ServiceType 外部协作方类型。saga / scheduler / supervisor / load_manager 只约定集成契约，
// 具体实现由外部提供。
type ServiceType string

const (
	ServiceTypeSaga        ServiceType = "saga"
	ServiceTypeScheduler   ServiceType = "scheduler"
	ServiceTypeSupervisor  ServiceType = "supervisor"
	ServiceTypeLoadManager ServiceType = "load_manager"
	ServiceTypeHTTP        ServiceType = "http"
	ServiceTypeCustom      ServiceType = "custom"
)

// 错误定义
var (
	ErrServiceNotFound   = errors.New("service not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrWebhookNotFound   = errors.New("webhook not found")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
)

// Operation 服务操作
type Operation func(ctx context.Context, input any) (any, error)

// ServiceConfig 服务注册参数
type ServiceConfig struct {
	Type       ServiceType
	Provider   string
	Config     map[string]any
	Operations map[string]Operation

	// RetryPolicy 为 nil 时使用层级默认策略
	RetryPolicy *retry.Policy
	// CircuitBreaker 为 nil 时使用层级默认配置
	CircuitBreaker *circuitbreaker.Config
	// DisableCircuitBreaker 为 true 时不挂载熔断器
	DisableCircuitBreaker bool
}

// Service 已注册的外部服务
type Service struct {
	id         string
	typ        ServiceType
	provider   string
	config     map[string]any
	operations map[string]Operation
	retry      *retry.Executor
	breaker    *circuitbreaker.Breaker
}

// ID returns the service id.
func (s *Service) ID() string { return s.id }

// Type returns the collaborator kind.
func (s *Service) Type() ServiceType { return s.typ }

// Provider returns the provider name.
func (s *Service) Provider() string { return s.provider }

// Config returns a copy of the provider configuration.
func (s *Service) Config() map[string]any { return maps.Clone(s.config) }

// Operations 返回操作名，按字典序
func (s *Service) Operations() []string {
	names := make([]string, 0, len(s.operations))
	for name := range s.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasOperation reports whether the service exposes name.
func (s *Service) HasOperation(name string) bool {
	_, ok := s.operations[name]
	return ok
}

// RetryPolicy returns the effective retry policy.
func (s *Service) RetryPolicy() retry.Policy { return s.retry.Policy() }

// Breaker 返回熔断器，禁用时为 nil
func (s *Service) Breaker() *circuitbreaker.Breaker { return s.breaker }

// Info 服务摘要，用于 API 输出
type Info struct {
	ID         string                   `json:"id"`
	Type       ServiceType              `json:"type"`
	Provider   string                   `json:"provider,omitempty"`
	Operations []string                 `json:"operations"`
	Breaker    *circuitbreaker.Snapshot `json:"circuit_breaker,omitempty"`
	Webhook    string                   `json:"webhook_path,omitempty"`
}

// Info returns a summary of the service.
func (s *Service) Info() Info {
	info := Info{
		ID:         s.id,
		Type:       s.typ,
		Provider:   s.provider,
		Operations: s.Operations(),
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		info.Breaker = &snap
	}
	return info
}
