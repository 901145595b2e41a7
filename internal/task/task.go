// ============================================================================
// Warlock 任務 - 生命週期狀態機
// ============================================================================
//
// Package: internal/task
// 文件: task.go
// 功能: supervisor 端對單一 worker 的認知：狀態、重試退避、取消寬限、
//       心跳與訂閱，以及對 worker 送來指令的分派
//
// 狀態轉換 (State Machine):
//   INIT → QUEUED → STARTING → RUNNING → {COMPLETE | CANCELLED | ERROR | RETRY | WAIT}
//   COMPLETE / ERROR → RESTART → QUEUED（僅在 respawn 時）
//   RETRY → QUEUED（退避時間到達後由 supervisor 重新排隊）
//
// 時間軸:
//   start   最早可啟動時間；啟動後改為實際啟動時間（timeout 以此計算）
//   expire  CANCELLED / ERROR / WAIT 的寬限截止；過期後由 supervisor 強制回收
//   timeout 最長執行時間，與 expire 是兩條獨立的軸
//
// 並發:
//   Task 只由 supervisor 的 reactor goroutine 修改，不需要鎖
//
// ============================================================================

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
	// 任務目前沒有連線
	ErrNoConnection = errors.New("task has no connection")
	// 任務不在可啟動狀態
	ErrNotStartable = errors.New("task is not startable")
	// 記錄中的任務已經完成，不需要恢復
	ErrFinished = errors.New("task already finished")
)

// ============================================================================
// 協作介面
// ============================================================================

// Host is the supervisor context a task reports to. It replaces any global
// supervisor instance: every Task is handed its Host at construction.
type Host interface {
	Subscribe(id types.TaskID, event string, filter map[string]any)
	Unsubscribe(id types.TaskID, event string)
	Trigger(source types.TaskID, event string, data any, echo bool)
	// Command receives every packet the task does not handle itself.
	Command(t *Task, pkt *protocol.Packet) error
}

// Process is the OS-level handle of a launched worker (nil for agents).
type Process interface {
	Pid() int
	Terminate() error
	Kill() error
}

// Launcher starts the worker behind a task. It returns the connection the
// task will talk through and, for local children, the process handle.
type Launcher interface {
	Launch(t *Task) (transport.Connection, Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(t *Task) (transport.Connection, Process, error)

func (f LauncherFunc) Launch(t *Task) (transport.Connection, Process, error) { return f(t) }

// ============================================================================
// Task
// ============================================================================

// Options 建立任務時的可選設定
type Options struct {
	ID      types.TaskID                    // 空字串時自動產生 uuid
	Host    Host                            // supervisor context
	Now     func() time.Time                // 時鐘，測試時注入
	Backoff func(retries int) time.Duration // RETRY 的退避策略，來自 supervisor 設定
	Grace   time.Duration                   // ERROR / WAIT 的預設寬限時間
	Logger  *slog.Logger
	Dynamic bool // 透過控制平面加入
}

// Task 代表一個受 supervisor 管理的 worker
type Task struct {
	id      types.TaskID
	spec    types.TaskSpec
	status  types.Status
	dynamic bool

	start   time.Time // 最早可啟動時間 / 實際啟動時間
	expire  time.Time // 寬限截止時間
	retries int

	subscriptions map[string]map[string]any // event → filter
	lastHeartbeat time.Time
	heartbeats    int
	lastError     string
	createdAt     time.Time
	updatedAt     time.Time

	conn transport.Connection
	proc Process

	host    Host
	now     func() time.Time
	backoff func(int) time.Duration
	grace   time.Duration
	log     *slog.Logger
}

// New 建立 INIT 狀態的任務
func New(spec types.TaskSpec, opts Options) *Task {
	if opts.ID == "" {
		opts.ID = types.TaskID(uuid.NewString())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return time.Second }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if spec.Name == "" {
		spec.Name = spec.Type
	}
	now := opts.Now()
	return &Task{
		id:            opts.ID,
		spec:          spec,
		status:        types.StatusInit,
		dynamic:       opts.Dynamic,
		start:         now,
		subscriptions: make(map[string]map[string]any),
		createdAt:     now,
		updatedAt:     now,
		host:          opts.Host,
		now:           opts.Now,
		backoff:       opts.Backoff,
		grace:         opts.Grace,
		log:           opts.Logger.With("task", string(opts.ID), "type", spec.Type),
	}
}

func (t *Task) ID() types.TaskID           { return t.id }
func (t *Task) Spec() types.TaskSpec       { return t.spec }
func (t *Task) Name() string               { return t.spec.Name }
func (t *Task) Type() string               { return t.spec.Type }
func (t *Task) Status() types.Status       { return t.status }
func (t *Task) Retries() int               { return t.retries }
func (t *Task) StartAt() time.Time         { return t.start }
func (t *Task) ExpireAt() time.Time        { return t.expire }
func (t *Task) Heartbeats() int            { return t.heartbeats }
func (t *Task) LastHeartbeat() time.Time   { return t.lastHeartbeat }
func (t *Task) LastError() string          { return t.lastError }
func (t *Task) Dynamic() bool              { return t.dynamic }
func (t *Task) Conn() transport.Connection { return t.conn }
func (t *Task) Process() Process           { return t.proc }

// Subscriptions 回傳目前訂閱的事件名稱
func (t *Task) Subscriptions() []string {
	out := make([]string, 0, len(t.subscriptions))
	for ev := range t.subscriptions {
		out = append(out, ev)
	}
	return out
}

// Subscribed 檢查是否訂閱了 event
func (t *Task) Subscribed(event string) bool {
	_, ok := t.subscriptions[event]
	return ok
}

// ============================================================================
// 狀態轉換
// ============================================================================

// SetStatus 依轉換表改變狀態
//
// 副作用：
//   - RETRY: retries+1，start = now + backoff(retries)
//   - RESTART: start = now + respawn_delay
//   - ERROR / WAIT: expire = now + grace
//   - STARTING: retries 不變，清除 expire
//
// 錯誤處理：
//   - ErrInvalidTransition: 轉換表不允許
func (t *Task) SetStatus(to types.Status) error {
	if !types.CanTransition(t.status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.status, to)
	}
	t.apply(to)
	return nil
}

// ForceStatus 繞過轉換表（沒有連線的取消、強制回收、關閉時重新排隊）
func (t *Task) ForceStatus(to types.Status) {
	t.apply(to)
}

func (t *Task) apply(to types.Status) {
	now := t.now()
	from := t.status
	t.status = to
	t.updatedAt = now

	switch to {
	case types.StatusRetry:
		t.retries++
		t.start = now.Add(t.backoff(t.retries))
	case types.StatusRestart:
		t.start = now.Add(t.spec.RespawnDelay.Std())
	case types.StatusError, types.StatusWait:
		t.expire = now.Add(t.grace)
	case types.StatusStarting:
		t.expire = time.Time{}
	case types.StatusQueued:
		if from == types.StatusInit {
			t.start = now
		}
	}
	t.log.Debug("task status", "from", from.String(), "to", to.String())
}

// Queue INIT → QUEUED
func (t *Task) Queue() error {
	return t.SetStatus(types.StatusQueued)
}

// Ready 只有在 QUEUED / RESTART / RETRY 且 start 已到時為 true
func (t *Task) Ready() bool {
	return t.status.IsPending() && !t.start.After(t.now())
}

// Start 啟動 worker
//
// 流程：
//  1. → STARTING
//  2. launcher 失敗 → ERROR（不自動重試，由 supervisor 的重試策略決定）
//  3. 本機子程序成功 → RUNNING；遠端任務停在 STARTING，等待 agent 連線後 Attach
func (t *Task) Start(l Launcher) error {
	if err := t.SetStatus(types.StatusStarting); err != nil {
		return fmt.Errorf("%w: %v", ErrNotStartable, err)
	}

	conn, proc, err := l.Launch(t)
	if err != nil {
		t.lastError = err.Error()
		t.apply(types.StatusError)
		t.log.Error("task launch failed", "error", err)
		return err
	}
	t.proc = proc
	if conn == nil {
		return nil
	}
	return t.Attach(conn)
}

// Attach 綁定連線並進入 RUNNING（STARTING 狀態下才有效）
func (t *Task) Attach(conn transport.Connection) error {
	if err := t.SetStatus(types.StatusRunning); err != nil {
		return err
	}
	t.conn = conn
	now := t.now()
	t.start = now
	t.lastHeartbeat = now
	return nil
}

// Cancel 協作式取消
//
// 有連線：→ CANCELLED，expire = now + grace，並送出 CANCEL 指令
// 無連線：直接 COMPLETE
func (t *Task) Cancel(grace time.Duration) error {
	if t.status == types.StatusCancelled {
		return nil
	}
	if t.conn == nil || !t.conn.Connected() || !types.CanTransition(t.status, types.StatusCancelled) {
		t.ForceStatus(types.StatusComplete)
		return nil
	}
	t.apply(types.StatusCancelled)
	t.expire = t.now().Add(grace)
	if err := t.conn.Send(string(protocol.KindCancel), protocol.CancelPayload{Grace: grace.Seconds()}); err != nil {
		t.log.Warn("send cancel failed", "error", err)
		return err
	}
	return nil
}

// Fail 記錄原因並進入 ERROR（supervisor 判定 worker 失聯、逾時或斷線時使用）
func (t *Task) Fail(reason string) {
	t.lastError = reason
	t.log.Warn("task failed", "reason", reason)
	if err := t.SetStatus(types.StatusError); err != nil {
		t.ForceStatus(types.StatusError)
	}
}

// Expired WAIT / CANCELLED / ERROR 且寬限時間已過
func (t *Task) Expired() bool {
	switch t.status {
	case types.StatusWait, types.StatusCancelled, types.StatusError:
		return !t.expire.IsZero() && !t.now().Before(t.expire)
	default:
		return false
	}
}

// TimedOut timeout > 0 且 now ≥ start + timeout
func (t *Task) TimedOut() bool {
	timeout := t.spec.Timeout.Std()
	if timeout <= 0 {
		return false
	}
	return !t.now().Before(t.start.Add(timeout))
}

// Silent 自最後一次心跳起超過 limit 沒有任何封包
func (t *Task) Silent(limit time.Duration) bool {
	if limit <= 0 || t.lastHeartbeat.IsZero() {
		return false
	}
	return t.now().Sub(t.lastHeartbeat) >= limit
}

// Detach 中斷連線並清除訂閱；回傳原本的連線
func (t *Task) Detach() transport.Connection {
	conn := t.conn
	t.conn = nil
	t.proc = nil
	if conn != nil {
		conn.Disconnect()
	}
	for ev := range t.subscriptions {
		if t.host != nil {
			t.host.Unsubscribe(t.id, ev)
		}
		delete(t.subscriptions, ev)
	}
	return conn
}

// ============================================================================
// 通訊
// ============================================================================

// Send 透過任務連線送出指令
func (t *Task) Send(command string, payload any) error {
	if t.conn == nil {
		return ErrNoConnection
	}
	return t.conn.Send(command, payload)
}

// Deliver 將事件送給 worker（實作 events.Subscriber）
func (t *Task) Deliver(event string, data any, source string) error {
	return t.Send(string(protocol.KindEvent), protocol.EventPayload{Event: event, Data: data, Source: source})
}

// ProcessCommand 分派 worker 送來的封包
//
// 內建指令由任務自行處理；其餘交給 Host.Command
//
//	NOOP / OK            無動作
//	ERROR                記錄錯誤
//	SUBSCRIBE            加入訂閱並登記到事件表
//	UNSUBSCRIBE          移除訂閱
//	TRIGGER              請 supervisor 扇出事件（echo 決定是否回送給自己）
//	LOG / DEBUG          以任務 id 標記後重新記錄
//	HEARTBEAT            更新存活資訊並同步 worker 端狀態
//	STATUS               worker 結束前回報的最終狀態
func (t *Task) ProcessCommand(pkt *protocol.Packet) error {
	// 任何封包都證明 worker 還活著
	t.lastHeartbeat = t.now()

	msg, err := protocol.Parse(pkt)
	if err != nil {
		t.log.Warn("invalid command payload", "command", pkt.Command, "error", err)
		t.Send(string(protocol.KindError), protocol.ErrorPayload{Message: err.Error()})
		return err
	}

	switch m := msg.(type) {
	case protocol.EmptyPayload:
		return nil

	case protocol.ErrorPayload:
		t.lastError = m.Message
		t.log.Error("worker error", "message", m.Message)
		return nil

	case protocol.SubscribePayload:
		t.subscriptions[m.Event] = m.Filter
		if t.host != nil {
			t.host.Subscribe(t.id, m.Event, m.Filter)
		}
		return nil

	case protocol.UnsubscribePayload:
		delete(t.subscriptions, m.Event)
		if t.host != nil {
			t.host.Unsubscribe(t.id, m.Event)
		}
		return nil

	case protocol.TriggerPayload:
		if t.host != nil {
			t.host.Trigger(t.id, m.Event, m.Data, m.Echo)
		}
		return nil

	case protocol.LogPayload:
		t.log.Log(context.Background(), levelOf(m.Level), m.Message)
		return nil

	case protocol.DebugPayload:
		t.log.Debug(m.Message)
		return nil

	case protocol.HeartbeatPayload:
		t.heartbeats++
		t.mirror(m.Status)
		return nil

	case protocol.StatusPayload:
		return t.finish(m)

	default:
		if t.host == nil {
			return nil
		}
		return t.host.Command(t, pkt)
	}
}

// mirror 將 worker 心跳中的狀態同步到 supervisor 端（僅限 RUNNING/SLEEP/WAIT 之間）
func (t *Task) mirror(status string) {
	s, err := types.ParseStatus(status)
	if err != nil || s == t.status {
		return
	}
	switch s {
	case types.StatusRunning, types.StatusSleep, types.StatusWait:
		if types.CanTransition(t.status, s) {
			t.apply(s)
		}
	}
}

// finish 處理 worker 的最終 STATUS
func (t *Task) finish(m protocol.StatusPayload) error {
	s, err := types.ParseStatus(m.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if m.Message != "" {
		t.lastError = m.Message
	}
	if s == t.status {
		return nil
	}
	if t.status == types.StatusCancelled && s != types.StatusComplete {
		// 取消中的任務只接受 COMPLETE
		s = types.StatusComplete
	}
	return t.SetStatus(s)
}

func levelOf(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ============================================================================
// 持久化
// ============================================================================

// Record 轉換為可持久化的記錄
func (t *Task) Record() types.TaskRecord {
	return types.TaskRecord{
		ID:        t.id,
		Spec:      t.spec,
		Status:    t.status,
		Retries:   t.retries,
		Start:     t.start.UnixMilli(),
		CreatedAt: t.createdAt.UnixMilli(),
		UpdatedAt: t.updatedAt.UnixMilli(),
		Dynamic:   t.dynamic,
	}
}

// FromRecord 從記錄重建任務；活躍中的狀態一律回到 QUEUED（連線不會跨重啟存活）
//
// COMPLETE 的記錄回傳 ErrFinished
func FromRecord(rec types.TaskRecord, opts Options) (*Task, error) {
	if rec.Status == types.StatusComplete {
		return nil, fmt.Errorf("%w: %s", ErrFinished, rec.ID)
	}
	opts.ID = rec.ID
	opts.Dynamic = rec.Dynamic
	t := New(rec.Spec, opts)
	t.retries = rec.Retries
	t.start = time.UnixMilli(rec.Start)
	t.createdAt = time.UnixMilli(rec.CreatedAt)
	t.updatedAt = time.UnixMilli(rec.UpdatedAt)
	switch {
	case rec.Status == types.StatusInit:
		t.status = types.StatusInit
	case rec.Status.IsPending():
		t.status = rec.Status
	default:
		t.status = types.StatusQueued
	}
	return t, nil
}
