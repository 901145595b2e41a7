package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/warlock/internal/events"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// 公開介面（任何 goroutine 皆可呼叫，實際工作在 reactor 上執行）
// ============================================================================

// TaskInfo 任務的唯讀快照（status 指令、HTTP、gRPC 使用）
type TaskInfo struct {
	ID            types.TaskID `json:"id"`
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	Status        types.Status `json:"status"`
	Retries       int          `json:"retries"`
	Heartbeats    int          `json:"heartbeats"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
	Subscriptions []string     `json:"subscriptions,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	Remote        bool         `json:"remote"`
	Dynamic       bool         `json:"dynamic"`
	Pid           int          `json:"pid,omitempty"`
	StartAt       time.Time    `json:"start_at"`
}

func infoOf(t *task.Task) TaskInfo {
	subs := t.Subscriptions()
	sort.Strings(subs)
	return TaskInfo{
		ID:            t.ID(),
		Name:          t.Name(),
		Type:          t.Type(),
		Status:        t.Status(),
		Retries:       t.Retries(),
		Heartbeats:    t.Heartbeats(),
		LastHeartbeat: t.LastHeartbeat(),
		Subscriptions: subs,
		LastError:     t.LastError(),
		Remote:        t.Spec().Remote,
		Dynamic:       t.Dynamic(),
		Pid:           pidOf(t),
		StartAt:       t.StartAt(),
	}
}

func (s *Supervisor) infos() []TaskInfo {
	all := s.reg.All()
	out := make([]TaskInfo, 0, len(all))
	for _, t := range all {
		out = append(out, infoOf(t))
	}
	return out
}

// Tasks 回傳所有任務（依加入順序）
func (s *Supervisor) Tasks(ctx context.Context) ([]TaskInfo, error) {
	var out []TaskInfo
	err := s.call(ctx, func() { out = s.infos() })
	return out, err
}

// Task 回傳單一任務
func (s *Supervisor) Task(ctx context.Context, id types.TaskID) (TaskInfo, error) {
	var (
		info   TaskInfo
		getErr error
	)
	err := s.call(ctx, func() {
		t, err := s.reg.Get(id)
		if err != nil {
			getErr = err
			return
		}
		info = infoOf(t)
	})
	if err != nil {
		return TaskInfo{}, err
	}
	return info, getErr
}

// Queue 加入一個動態任務並回傳其 id
//
// 錯誤處理：
//   - ErrInvalidSpec: 沒有 type
//   - ErrStopping: 正在關閉
func (s *Supervisor) Queue(ctx context.Context, spec types.TaskSpec) (types.TaskID, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidSpec)
	}
	var (
		id       types.TaskID
		queueErr error
	)
	err := s.call(ctx, func() {
		t, err := s.enqueue(spec, "", true)
		if err != nil {
			queueErr = err
			return
		}
		id = t.ID()
	})
	if err != nil {
		return "", err
	}
	return id, queueErr
}

// Cancel 取消任務；有連線時等待 worker 在寬限內確認，完成後不會 respawn
func (s *Supervisor) Cancel(ctx context.Context, id types.TaskID) error {
	var cancelErr error
	err := s.call(ctx, func() {
		t, err := s.reg.Get(id)
		if err != nil {
			cancelErr = err
			return
		}
		s.dismissed[id] = true
		switch st := t.Status(); {
		case st == types.StatusError:
			s.remove(t)
		case st == types.StatusCancelled:
		default:
			s.cancelTask(t, s.opts.CancelGrace)
		}
	})
	if err != nil {
		return err
	}
	return cancelErr
}

// Trigger 從外部（HTTP / gRPC）觸發事件，回傳送達數
func (s *Supervisor) Trigger(ctx context.Context, event string, data any) (int, error) {
	if event == "" {
		return 0, fmt.Errorf("%w: event name is required", ErrInvalidSpec)
	}
	var n int
	err := s.call(ctx, func() {
		n = s.events.Trigger(event, data, "", SourceAPI)
		s.metrics.RecordTrigger(n)
	})
	return n, err
}

// SourceAPI is the event source of triggers that did not come from a task.
const SourceAPI = "api"

/*
Wait 以長輪詢方式等待下一個 event

呼叫端被登記為一個虛擬訂閱者（id 為 "http-<uuid>"），事件表不區分它與
真正的 worker。ctx 結束或 supervisor 停止時返回錯誤，並取消訂閱
*/
func (s *Supervisor) Wait(ctx context.Context, event string, filter map[string]any) (events.Delivery, error) {
	if event == "" {
		return events.Delivery{}, fmt.Errorf("%w: event name is required", ErrInvalidSpec)
	}
	id := types.TaskID("http-" + uuid.NewString())
	w := events.NewWaiter()

	err := s.call(ctx, func() {
		s.events.Subscribe(id, event, filter, w)
		s.waiters++
		s.metrics.SetWaiters(s.waiters)
	})
	if err != nil {
		return events.Delivery{}, err
	}
	defer s.call(context.Background(), func() {
		s.events.Unsubscribe(id, event)
		s.waiters--
		s.metrics.SetWaiters(s.waiters)
	})

	select {
	case d := <-w.C():
		return d, nil
	case <-ctx.Done():
		return events.Delivery{}, ctx.Err()
	case <-s.done:
		return events.Delivery{}, ErrStopped
	}
}
