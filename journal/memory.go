package journal

import (
	"context"
	"slices"
	"sync"
)

// DefaultMemoryCapacity 内存日志默认保留条数
const DefaultMemoryCapacity = 10000

// MemoryStore 内存日志，超过容量时丢弃最旧的记录。
// 适用于开发和测试。
type MemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
	closed   bool
}

// NewMemoryStore creates a memory store. capacity <= 0 uses DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records = append(s.records, rec)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = slices.Delete(s.records, 0, over)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return q.apply(s.records), nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
