package process

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/procflow/types"
)

type storeEntry struct {
	mu   sync.Mutex
	inst *Instance
}

// Store 内存实例存储。
// 同一实例的更新通过实例级锁串行化，不同实例互不阻塞。
type Store struct {
	mu        sync.RWMutex
	instances map[string]*storeEntry
	byProcess map[string]map[string]struct{}
}

// NewStore 创建实例存储
func NewStore() *Store {
	return &Store{
		instances: make(map[string]*storeEntry),
		byProcess: make(map[string]map[string]struct{}),
	}
}

// Put 保存新实例，ID 已存在时返回错误
func (s *Store) Put(inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return types.NewValidationError("instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return types.NewValidationError("instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = &storeEntry{inst: inst.Clone()}
	ids := s.byProcess[inst.ProcessID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byProcess[inst.ProcessID] = ids
	}
	ids[inst.ID] = struct{}{}
	return nil
}

// Get 返回实例副本
func (s *Store) Get(id string) (*Instance, bool) {
	s.mu.RLock()
	entry, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.inst.Clone(), true
}

// Update 在实例锁内对实例副本调用 fn，fn 返回 nil 时提交修改。
// 返回提交后（或未修改时）的实例副本。
func (s *Store) Update(id string, fn func(inst *Instance) error) (*Instance, error) {
	s.mu.RLock()
	entry, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("instance", id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// 实例可能在取锁期间被删除
	s.mu.RLock()
	current, still := s.instances[id]
	s.mu.RUnlock()
	if !still || current != entry {
		return nil, types.NewNotFoundError("instance", id)
	}

	working := entry.inst.Clone()
	if err := fn(working); err != nil {
		return entry.inst.Clone(), err
	}
	if working.ID != id || working.ProcessID != entry.inst.ProcessID {
		return nil, fmt.Errorf("instance %q: id and process id are immutable", id)
	}
	working.Version = entry.inst.Version + 1
	entry.inst = working
	return working.Clone(), nil
}

// Delete 删除实例并返回被删除的实例
func (s *Store) Delete(id string) (*Instance, bool) {
	s.mu.Lock()
	entry, ok := s.instances[id]
	if ok {
		delete(s.instances, id)
		if ids := s.byProcess[entry.inst.ProcessID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byProcess, entry.inst.ProcessID)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.inst.Clone(), true
}

// List 返回全部实例副本，按创建时间与 ID 排序
func (s *Store) List() []*Instance {
	s.mu.RLock()
	entries := make([]*storeEntry, 0, len(s.instances))
	for _, e := range s.instances {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	return snapshot(entries)
}

// ListByProcess 返回指定流程定义的实例副本
func (s *Store) ListByProcess(processID string) []*Instance {
	s.mu.RLock()
	ids := s.byProcess[processID]
	entries := make([]*storeEntry, 0, len(ids))
	for id := range ids {
		entries = append(entries, s.instances[id])
	}
	s.mu.RUnlock()
	return snapshot(entries)
}

// IDsByProcess 返回指定流程定义的实例 ID，按字典序
func (s *Store) IDsByProcess(processID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byProcess[processID]))
	for id := range s.byProcess[processID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored instances.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func snapshot(entries []*storeEntry) []*Instance {
	out := make([]*Instance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.inst.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
