package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/procflow/eventbus"
)

// Common errors
var (
	ErrStoreClosed  = errors.New("journal: store is closed")
	ErrInvalidInput = errors.New("journal: invalid input")
)

// Backend 日志存储后端
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQL    Backend = "sql"
	BackendMongo  Backend = "mongo"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendRedis, BackendSQL, BackendMongo:
		return true
	}
	return false
}

// Record 一条已持久化的事件
type Record struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Query 列表过滤条件。Limit > 0 时只返回最近的 Limit 条，结果始终按时间升序。
type Query struct {
	Type  string    `json:"type,omitempty"`
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Store 事件日志存储
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// FromEvent 将总线事件转换为日志记录。
// payload 中的 error 值会转为字符串，无法编码为 JSON 的值按 %v 保存。
func FromEvent(evt eventbus.Event, recordedAt time.Time) (Record, error) {
	if evt.ID == "" || evt.Type == "" {
		return Record{}, fmt.Errorf("%w: event id and type are required", ErrInvalidInput)
	}
	rec := Record{
		ID:         evt.ID,
		Type:       evt.Type,
		Source:     evt.Source,
		Timestamp:  evt.Timestamp,
		RecordedAt: recordedAt,
	}
	if evt.Payload == nil {
		return rec, nil
	}
	data, err := json.Marshal(normalize(evt.Payload))
	if err != nil {
		data, err = json.Marshal(fmt.Sprintf("%v", evt.Payload))
		if err != nil {
			return Record{}, fmt.Errorf("marshal payload: %w", err)
		}
	}
	rec.Payload = data
	return rec, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case error:
		return val.Error()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// matches 判断记录是否满足过滤条件（不含 Limit）
func (q Query) matches(rec Record) bool {
	if q.Type != "" && rec.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// apply 过滤按时间升序排列的记录并截取最近 Limit 条
func (q Query) apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
