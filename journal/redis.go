package journal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisStream 默认 Redis Stream 键
const DefaultRedisStream = "procflow:journal"

// RedisStore 基于 Redis Streams 的事件日志。
// 每条记录对应一个 stream 条目，MaxLen > 0 时 XADD 同时裁剪旧条目。
type RedisStore struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStore creates a redis-backed journal. The caller owns the client.
func NewRedisStore(client redis.UniversalClient, stream string, maxLen int64) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidInput)
	}
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &RedisStore{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":          rec.ID,
			"type":        rec.Type,
			"source":      rec.Source,
			"payload":     string(rec.Payload),
			"timestamp":   rec.Timestamp.Format(time.RFC3339Nano),
			"recorded_at": rec.RecordedAt.Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("journal/redis: append: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if q.Type == "" && q.Since.IsZero() && q.Limit > 0 {
		msgs, err = s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(q.Limit)).Result()
		slices.Reverse(msgs)
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("journal/redis: list: %w", err)
	}

	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := messageToRecord(msg)
		if err != nil {
			return nil, fmt.Errorf("journal/redis: decode %s: %w", msg.ID, err)
		}
		records = append(records, rec)
	}
	return q.apply(records), nil
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }

func messageToRecord(msg redis.XMessage) (Record, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return Record{}, fmt.Errorf("parse timestamp: %w", err)
	}
	recordedAt, err := time.Parse(time.RFC3339Nano, str("recorded_at"))
	if err != nil {
		return Record{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	rec := Record{
		ID:         str("id"),
		Type:       str("type"),
		Source:     str("source"),
		Timestamp:  ts,
		RecordedAt: recordedAt,
	}
	if p := str("payload"); p != "" {
		rec.Payload = []byte(p)
	}
	return rec, nil
}
