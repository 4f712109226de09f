package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/procflow/task"
)

// TaskCall 记录单次任务执行
type TaskCall struct {
	Input       any
	ExecutionID string
	InstanceID  string
}

// MockTask 可编程的任务实现
type MockTask struct {
	mu     sync.Mutex
	id     string
	output any
	err    error
	delay  time.Duration
	fn     task.Func
	calls  []TaskCall
}

// NewMockTask 创建新的 MockTask，默认原样返回输入
func NewMockTask(id string) *MockTask {
	return &MockTask{id: id}
}

// WithOutput 固定返回值
func (m *MockTask) WithOutput(v any) *MockTask {
	m.output = v
	return m
}

// WithError 固定返回错误
func (m *MockTask) WithError(err error) *MockTask {
	m.err = err
	return m
}

// WithDelay 执行前等待 d，ctx 取消时提前返回
func (m *MockTask) WithDelay(d time.Duration) *MockTask {
	m.delay = d
	return m
}

// WithFunc 使用自定义实现，覆盖固定返回值
func (m *MockTask) WithFunc(fn task.Func) *MockTask {
	m.fn = fn
	return m
}

// Definition 返回任务定义
func (m *MockTask) Definition() task.Definition {
	return task.Definition{
		ID:             m.id,
		Name:           m.id,
		Implementation: m.run,
	}
}

func (m *MockTask) run(ctx context.Context, input any, tc *task.Context) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, TaskCall{
		Input:       input,
		ExecutionID: tc.ExecutionID,
		InstanceID:  tc.InstanceID,
	})
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.fn != nil {
		return m.fn(ctx, input, tc)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.output != nil {
		return m.output, nil
	}
	return input, nil
}

// Calls 返回执行记录
func (m *MockTask) Calls() []TaskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskCall, len(m.calls))
	copy(out, m.calls)
	return out
}
