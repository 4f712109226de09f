package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wildcard 订阅所有事件类型
const Wildcard = "*"

// Event 运行时事件，发出后不可变
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewEvent 创建事件，ID 与时间戳在 Emit 时补齐
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload}
}

// WithSource returns a copy of the event attributed to source.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// PayloadMap returns the payload as a map when it is one.
func (e Event) PayloadMap() (map[string]any, bool) {
	m, ok := e.Payload.(map[string]any)
	return m, ok
}

// Handler 事件处理器。返回的错误只会被记录，不会传播给发布方。
type Handler func(ctx context.Context, evt Event) error

// Emitter is the publishing half of the bus.
type Emitter interface {
	Emit(ctx context.Context, evt Event) Event
}

type subscriber struct {
	id        string
	eventType string
	handler   Handler
	active    atomic.Bool
}

// Subscription 订阅句柄
type Subscription struct {
	sub  *subscriber
	bus  *Bus
	once sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.sub.id }

// EventType returns the event type this subscription listens to.
func (s *Subscription) EventType() string { return s.sub.eventType }

// Unsubscribe 取消订阅，重复调用安全，不影响同类型的其他订阅
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.sub.active.Store(false)
		s.bus.remove(s.sub)
	})
}

// Bus 进程内同步事件总线。
// Emit 在调用方 goroutine 内按注册顺序依次投递：先投递给精确类型订阅者，
// 再投递给通配符订阅者。不排队、不保留事件。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscriber
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the timestamp source used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New 创建事件总线
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers: make(map[string][]*subscriber),
		logger:   logger.With(zap.String("component", "eventbus")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe 订阅事件类型，eventType 为 Wildcard 时接收所有事件
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	if handler == nil {
		panic("eventbus: nil handler")
	}
	sub := &subscriber{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	existing := b.handlers[eventType]
	// 强制复制，避免与正在投递的快照共享底层数组
	b.handlers[eventType] = append(existing[:len(existing):len(existing)], sub)
	b.mu.Unlock()

	return &Subscription{sub: sub, bus: b}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[target.eventType]
	for i, s := range subs {
		if s != target {
			continue
		}
		next := make([]*subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, target.eventType)
		} else {
			b.handlers[target.eventType] = next
		}
		return
	}
}

// Emit 同步投递事件并返回补齐 ID/时间戳后的事件
func (b *Bus) Emit(ctx context.Context, evt Event) Event {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	b.mu.RLock()
	specific := b.handlers[evt.Type]
	var wildcard []*subscriber
	if evt.Type != Wildcard {
		wildcard = b.handlers[Wildcard]
	}
	b.mu.RUnlock()

	for _, sub := range specific {
		b.deliver(ctx, sub, evt)
	}
	for _, sub := range wildcard {
		b.deliver(ctx, sub, evt)
	}
	return evt
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber, evt Event) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", evt.Type),
				zap.String("event_id", evt.ID),
				zap.String("subscription_id", sub.id),
				zap.Any("recover", r),
			)
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event_type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.String("subscription_id", sub.id),
			zap.Error(err),
		)
	}
}

// Clear 移除全部订阅
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.handlers {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	b.handlers = make(map[string][]*subscriber)
}

// SubscriberCount 返回某事件类型的订阅数（不含通配符订阅）
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// String implements fmt.Stringer for debugging.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.handlers {
		total += len(subs)
	}
	return fmt.Sprintf("eventbus(%d types, %d subscriptions)", len(b.handlers), total)
}
