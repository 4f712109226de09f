package process

import (
	"maps"
	"slices"
	"time"
)

// HistoryEntry 一次状态转换记录
type HistoryEntry struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Instance 流程实例。State 始终是其定义中的状态。
type Instance struct {
	ID        string         `json:"id"`
	ProcessID string         `json:"process_id"`
	State     string         `json:"state"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	History   []HistoryEntry `json:"history,omitempty"`
	// Version 每次提交更新时递增，用于检测并发修改
	Version int64 `json:"version"`
}

// Clone 返回副本。Context 为浅拷贝，与转换时的合并语义一致。
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Context = maps.Clone(i.Context)
	out.History = slices.Clone(i.History)
	return &out
}

// MergeContext 将 data 浅合并到 Context，同名键覆盖
func (i *Instance) MergeContext(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if i.Context == nil {
		i.Context = make(map[string]any, len(data))
	}
	for k, v := range data {
		i.Context[k] = v
	}
}
