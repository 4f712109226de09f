// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 使用方法:
//
//	rec := testutil.RecordEvents(rt)
//	require.Equal(t, 1, rec.Count("TASK_COMPLETED"))
//
// =============================================================================
package testutil

import (
	"context"
	"sync"

	"github.com/BaSui01/procflow/eventbus"
)

// =============================================================================
// 📡 事件辅助
// =============================================================================

// Subscriber 是 eventbus.Bus 与 runtime.Runtime 共有的订阅能力
type Subscriber interface {
	Subscribe(eventType string, handler eventbus.Handler) *eventbus.Subscription
}

// EventRecorder 订阅总线并按到达顺序记录事件，可并发读取
type EventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
	sub    *eventbus.Subscription
}

// RecordEvents 订阅全部事件（*）
func RecordEvents(s Subscriber) *EventRecorder {
	return RecordEventType(s, eventbus.Wildcard)
}

// RecordEventType 只记录指定类型
func RecordEventType(s Subscriber, eventType string) *EventRecorder {
	r := &EventRecorder{}
	r.sub = s.Subscribe(eventType, func(_ context.Context, evt eventbus.Event) error {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
		return nil
	})
	return r
}

// Events 返回已记录事件的副本
func (r *EventRecorder) Events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types 按顺序返回事件类型
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// OfType 返回指定类型的事件
func (r *EventRecorder) OfType(eventType string) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count 返回指定类型的事件数
func (r *EventRecorder) Count(eventType string) int {
	return len(r.OfType(eventType))
}

// Stop 取消订阅
func (r *EventRecorder) Stop() {
	r.sub.Unsubscribe()
}
