// ============================================================================
// Warlock 任務表
// ============================================================================
//
// Package: internal/task
// 文件: registry.go
// 功能: supervisor 的任務表，保留加入順序以便公平地輪詢可啟動任務
//
// 並發:
//   只由 reactor goroutine 存取；其他 goroutine（HTTP、gRPC）透過 reactor
//   的操作通道讀寫，因此這裡不加鎖
//
// ============================================================================

package task

import (
	"errors"
	"sort"

	"github.com/ChuLiYu/warlock/pkg/types"
)

var (
	// 任務 ID 重複
	ErrDuplicateTask = errors.New("task already exists")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
)

// Registry 任務表
type Registry struct {
	tasks map[types.TaskID]*Task
	order []types.TaskID
}

// NewRegistry 建立空的任務表
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[types.TaskID]*Task)}
}

// Add 加入任務
//
// 錯誤處理：
//   - ErrDuplicateTask: 任務 ID 已存在
func (r *Registry) Add(t *Task) error {
	if _, exists := r.tasks[t.ID()]; exists {
		return ErrDuplicateTask
	}
	r.tasks[t.ID()] = t
	r.order = append(r.order, t.ID())
	return nil
}

// Get 取得任務
func (r *Registry) Get(id types.TaskID) (*Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Remove 從任務表移除並回傳該任務
func (r *Registry) Remove(id types.TaskID) (*Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return t, nil
}

// Len 任務數
func (r *Registry) Len() int { return len(r.tasks) }

// All 依加入順序回傳所有任務
func (r *Registry) All() []*Task {
	out := make([]*Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

// Ready 回傳目前可以啟動的任務，start 較早者優先
func (r *Registry) Ready() []*Task {
	var out []*Task
	for _, id := range r.order {
		if t := r.tasks[id]; t.Ready() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartAt().Before(out[j].StartAt())
	})
	return out
}

// ByStatus 回傳指定狀態的任務
func (r *Registry) ByStatus(s types.Status) []*Task {
	var out []*Task
	for _, id := range r.order {
		if t := r.tasks[id]; t.Status() == s {
			out = append(out, t)
		}
	}
	return out
}

// Counts 各狀態的任務數（用於 metrics 與 status 輸出）
func (r *Registry) Counts() map[types.Status]int {
	out := make(map[types.Status]int)
	for _, t := range r.tasks {
		out[t.Status()]++
	}
	return out
}

// Records 所有任務的可持久化記錄
func (r *Registry) Records() []types.TaskRecord {
	out := make([]types.TaskRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Record())
	}
	return out
}
