package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/eventbus"
)

// DefaultAppendTimeout 单次写入的默认超时
const DefaultAppendTimeout = 2 * time.Second

// DefaultBufferSize 待写入队列的默认容量
const DefaultBufferSize = 1024

// ErrRecorderClosed is returned by Flush after Close.
var ErrRecorderClosed = errors.New("journal: recorder closed")

// MetricsRecorder 日志写入指标
type MetricsRecorder interface {
	RecordJournalAppend(backend, status string)
}

// Recorder 订阅全部事件，经有界队列由后台 goroutine 写入 Store。
// 事件投递不等待写入；队列满或已关闭时丢弃并计入 dropped 指标。
type Recorder struct {
	store      Store
	backend    Backend
	logger     *zap.Logger
	timeout    time.Duration
	bufferSize int
	now        func() time.Time
	metrics    MetricsRecorder

	queue     chan pending
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// pending 为一条待写入记录，或 barrier 非空时的 Flush 标记
type pending struct {
	ctx     context.Context
	rec     Record
	barrier chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithAppendTimeout sets the per-append timeout.
func WithAppendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBufferSize sets how many records may wait for the store before new ones are dropped.
func WithBufferSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithBackendLabel sets the backend label used in metrics.
func WithBackendLabel(b Backend) RecorderOption {
	return func(r *Recorder) { r.backend = b }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithRecorderClock replaces the clock used for RecordedAt.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates a recorder writing to store and starts its worker.
// Close must be called to drain the queue.
func NewRecorder(store Store, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:      store,
		backend:    BackendMemory,
		logger:     logger.With(zap.String("component", "journal")),
		timeout:    DefaultAppendTimeout,
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan pending, r.bufferSize)
	go r.run()
	return r
}

// Attach 以通配符订阅 bus
func (r *Recorder) Attach(bus *eventbus.Bus) *eventbus.Subscription {
	return bus.Subscribe(eventbus.Wildcard, r.Handle)
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

// Handle 将事件放入写入队列后立即返回。
// 发布方的 ctx 被取消时仍会完成写入，受 timeout 约束。
func (r *Recorder) Handle(ctx context.Context, evt eventbus.Event) error {
	rec, err := FromEvent(evt, r.now())
	if err != nil {
		r.record("invalid")
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.record("dropped")
		return nil
	}
	select {
	case r.queue <- pending{ctx: context.WithoutCancel(ctx), rec: rec}:
	default:
		r.record("dropped")
		r.logger.Warn("journal queue full, event dropped",
			zap.String("event_id", rec.ID),
			zap.String("event_type", rec.Type),
			zap.Int("buffer_size", r.bufferSize),
		)
	}
	return nil
}

// Flush 等待此前入队的记录全部写完
func (r *Recorder) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	select {
	case r.queue <- pending{barrier: barrier}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收新事件并等待队列写完，可重复调用。
// ctx 到期时返回，剩余记录仍由后台继续写入。
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for p := range r.queue {
		if p.barrier != nil {
			close(p.barrier)
			continue
		}
		r.write(p.ctx, p.rec)
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.Append(ctx, rec); err != nil {
		r.record("error")
		r.logger.Error("journal append failed",
			zap.String("event_id", rec.ID),
			zap.String("event_type", rec.Type),
			zap.Error(err),
		)
		return
	}
	r.record("success")
	r.logger.Debug("event journaled",
		zap.String("event_id", rec.ID),
		zap.String("event_type", rec.Type),
	)
}

func (r *Recorder) record(status string) {
	if r.metrics != nil {
		r.metrics.RecordJournalAppend(string(r.backend), status)
	}
}

// Pending 返回队列中等待写入的记录数
func (r *Recorder) Pending() int { return len(r.queue) }

// Capacity 返回队列容量
func (r *Recorder) Capacity() int { return cap(r.queue) }
