// MockService 的外部服务测试模拟实现。
//
// 按操作名脚本化返回值，支持前 N 次失败、panic 与调用记录。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/procflow/integration"
)

// OperationCall 记录单次操作调用
type OperationCall struct {
	Operation string
	Input     any
	Output    any
	Err       error
}

type script struct {
	output    any
	err       error
	failFirst int
	panicMsg  any
}

// MockService 是外部服务的模拟实现，通过 Config 注册到运行时
type MockService struct {
	mu      sync.Mutex
	typ     integration.ServiceType
	scripts map[string]*script
	calls   []OperationCall
}

// NewMockService 创建新的 MockService
func NewMockService(typ integration.ServiceType) *MockService {
	if typ == "" {
		typ = integration.ServiceTypeCustom
	}
	return &MockService{
		typ:     typ,
		scripts: make(map[string]*script),
	}
}

func (m *MockService) op(name string) *script {
	s, ok := m.scripts[name]
	if !ok {
		s = &script{}
		m.scripts[name] = s
	}
	return s
}

// WithResult 操作成功时返回 output
func (m *MockService) WithResult(operation string, output any) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op(operation).output = output
	return m
}

// WithError 操作始终返回 err
func (m *MockService) WithError(operation string, err error) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.op(operation)
	s.err = err
	s.failFirst = -1
	return m
}

// WithFailFirst 前 n 次调用返回 err，之后成功
func (m *MockService) WithFailFirst(operation string, n int, err error) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.op(operation)
	s.err = err
	s.failFirst = n
	return m
}

// WithPanic 调用时 panic
func (m *MockService) WithPanic(operation string, v any) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op(operation).panicMsg = v
	return m
}

// Config 返回可交给 Runtime.RegisterService 的服务配置
func (m *MockService) Config() integration.ServiceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make(map[string]integration.Operation, len(m.scripts))
	for name := range m.scripts {
		ops[name] = m.operation(name)
	}
	return integration.ServiceConfig{
		Type:       m.typ,
		Provider:   "mock",
		Operations: ops,
	}
}

func (m *MockService) operation(name string) integration.Operation {
	return func(ctx context.Context, input any) (any, error) {
		m.mu.Lock()
		s := m.scripts[name]
		if s.panicMsg != nil {
			m.calls = append(m.calls, OperationCall{Operation: name, Input: input})
			m.mu.Unlock()
			panic(s.panicMsg)
		}

		call := OperationCall{Operation: name, Input: input}
		switch {
		case s.failFirst < 0:
			call.Err = s.err
		case s.failFirst > 0:
			s.failFirst--
			call.Err = s.err
		default:
			call.Output = s.output
		}
		m.calls = append(m.calls, call)
		m.mu.Unlock()

		if call.Err != nil {
			return nil, call.Err
		}
		return call.Output, nil
	}
}

// Calls 返回调用记录
func (m *MockService) Calls() []OperationCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OperationCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回指定操作的调用次数
func (m *MockService) CallCount(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}
