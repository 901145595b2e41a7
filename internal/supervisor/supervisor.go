// ============================================================================
// Warlock Supervisor - 單執行緒 Reactor
// ============================================================================
//
// Package: internal/supervisor
// 文件: supervisor.go
// 功能: 擁有任務表與事件表，啟動 worker、分派封包、處理心跳、重試、
//       取消寬限與逾時，並在啟動時從快照 + journal 恢復動態任務
//
// 架構設計:
//   所有狀態（task.Registry、events.Table、各 Task）只由 Run 的 goroutine
//   修改。其他 goroutine 透過 channel 與它溝通：
//
//     pump goroutine (每條連線一個)  ──inbound──▶ ┐
//     Listener.Serve (遠端 agent)     ──accepted─▶ ├─▶ Run 的 select 迴圈
//     公開 API (HTTP / gRPC / CLI)    ──ops──────▶ │
//     ticker (poll_interval)          ──────────▶ ┘
//
//   每次只處理一個封包，處理函式不會阻塞，因此不需要任何鎖。
//
// 任務結算 (settle):
//   COMPLETE  經 Cancel API 取消 → 移除；關閉時被中斷 → QUEUED 留到下次啟動；
//             respawn → RESTART；否則移除
//   RETRY     worker 自己要求重試；超過上限 → ERROR
//   ERROR     重試額度內 → RESTART → QUEUED → RETRY（退避）
//             否則 respawn → RESTART；否則保留到寬限過期後移除
//
// 崩潰恢復流程:
//   1. snapshot.Load() - 動態任務的最後快照
//   2. journal.Replay(LastSeq) - 套用快照之後的事件
//   3. 設定檔中的靜態任務重新排隊
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/warlock/internal/events"
	"github.com/ChuLiYu/warlock/internal/journal"
	"github.com/ChuLiYu/warlock/internal/metrics"
	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/snapshot"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/internal/telemetry"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/internal/worker"
	"github.com/ChuLiYu/warlock/pkg/types"
)

var (
	// ErrStopped 表示 reactor 已經結束
	ErrStopped = errors.New("supervisor stopped")
	// ErrStopping 表示正在關閉，不再接受新任務
	ErrStopping = errors.New("supervisor is stopping")
	// ErrInvalidSpec 任務定義不完整
	ErrInvalidSpec = errors.New("invalid task spec")
)

// pumpWait bounds a single Recv so pumps notice shutdown.
const pumpWait = time.Second

// Options 設定 supervisor；零值欄位使用預設
type Options struct {
	Launcher          task.Launcher      // nil 時使用 Spawner（本機子程序）
	Listener          *transport.Listener // 遠端 agent 的 WebSocket 監聽；nil 表示不接受 agent
	HeartbeatInterval time.Duration      // 傳給子程序的心跳間隔
	HeartbeatTimeout  time.Duration      // 超過此時間沒有封包即判定失聯；0 表示停用
	PollInterval      time.Duration      // reactor tick
	CancelGrace       time.Duration      // 取消後的寬限
	ErrorGrace        time.Duration      // ERROR / WAIT 的寬限
	Retry             task.RetryPolicy
	Journal           *journal.Journal
	Snapshots         *snapshot.Manager
	SnapshotInterval  time.Duration // 0 表示只在關閉時寫快照
	SnapshotKeep      int
	Metrics           *metrics.Collector
	Tasks             []types.TaskSpec // 設定檔中的靜態任務
	Now               func() time.Time
	Logger            *slog.Logger
}

// inbound 是 pump 從某條連線讀到的一個結果
type inbound struct {
	id   types.TaskID
	conn transport.Connection
	pkt  *protocol.Packet
	err  error
}

// Supervisor 任務監督者
type Supervisor struct {
	opts     Options
	launcher task.Launcher
	reg      *task.Registry
	events   *events.Table
	metrics  *metrics.Collector
	host     *host
	now      func() time.Time
	log      *slog.Logger

	ops      chan func()
	inbound  chan inbound
	accepted chan transport.Accepted
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// 以下只由 reactor 存取
	ctx          context.Context
	launchedAt   map[types.TaskID]time.Time
	settled      map[types.TaskID]types.Status
	dismissed    map[types.TaskID]bool // 經由 Cancel API 取消，完成後不 respawn
	interrupted  map[types.TaskID]bool // 被關閉流程取消，下次啟動重新執行
	waiters      int
	stopping     bool
	lastSnapshot time.Time
}

// New 建立 supervisor；Run 之前不會做任何 I/O
func New(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 10 * time.Second
	}
	if opts.ErrorGrace <= 0 {
		opts.ErrorGrace = opts.CancelGrace
	}
	opts.Retry = opts.Retry.WithDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.Launcher == nil {
		opts.Launcher = &Spawner{HeartbeatInterval: opts.HeartbeatInterval, Logger: opts.Logger}
	}

	s := &Supervisor{
		opts:        opts,
		launcher:    opts.Launcher,
		reg:         task.NewRegistry(),
		events:      events.NewTable(opts.Logger),
		metrics:     opts.Metrics,
		now:         opts.Now,
		log:         opts.Logger,
		ops:         make(chan func()),
		inbound:     make(chan inbound, 64),
		accepted:    make(chan transport.Accepted),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		launchedAt:  make(map[types.TaskID]time.Time),
		settled:     make(map[types.TaskID]types.Status),
		dismissed:   make(map[types.TaskID]bool),
		interrupted: make(map[types.TaskID]bool),
	}
	s.host = &host{s: s}
	return s
}

// Metrics 回傳使用中的 collector（/metrics 端點使用）
func (s *Supervisor) Metrics() *metrics.Collector { return s.metrics }

// Stop 要求 reactor 優雅關閉；可重複呼叫
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done 在 Run 返回後關閉
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ============================================================================
// Reactor
// ============================================================================

/*
Run 執行 reactor 直到 ctx 取消或 Stop 被呼叫

流程：
 1. 從快照與 journal 恢復任務，記錄恢復時間
 2. 啟動 agent 監聽（若有）
 3. select 迴圈：API 操作、封包、agent 連線、tick
 4. 關閉：取消所有存活任務，等待寬限，強制回收，寫最終快照
*/
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	s.ctx = ctx

	began := time.Now()
	if err := s.restore(); err != nil {
		return fmt.Errorf("supervisor: restore: %w", err)
	}
	recovery := time.Since(began)
	s.metrics.SetRecoveryTime(recovery.Seconds())
	s.lastSnapshot = s.now()
	s.log.Info("supervisor started", "tasks", s.reg.Len(), "recovery", recovery)

	lctx, cancelListener := context.WithCancel(context.Background())
	defer cancelListener()
	if ln := s.opts.Listener; ln != nil {
		go func() {
			if err := ln.Serve(lctx, s.accepted); err != nil {
				s.log.Error("agent listener failed", "error", err)
			}
		}()
		s.log.Info("accepting agents", "addr", ln.Addr().String())
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	s.tick()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ticker)
		case <-s.stopCh:
			return s.shutdown(ticker)
		case fn := <-s.ops:
			fn()
		case in := <-s.inbound:
			s.handle(in)
		case a := <-s.accepted:
			s.attachAgent(a)
		case <-ticker.C:
			s.tick()
		}
	}
}

// call 在 reactor goroutine 上執行 fn 並等待完成
func (s *Supervisor) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// track 為連線啟動 pump goroutine
func (s *Supervisor) track(id types.TaskID, conn transport.Connection) {
	go s.pump(id, conn)
}

// pump 將連線上的封包依序轉交 reactor；連線錯誤送出後結束
func (s *Supervisor) pump(id types.TaskID, conn transport.Connection) {
	for {
		pkt, err := conn.Recv(pumpWait)
		if pkt == nil && err == nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		select {
		case s.inbound <- inbound{id: id, conn: conn, pkt: pkt, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle 處理一個 inbound；已經換過連線的任務（舊 pump）直接忽略
func (s *Supervisor) handle(in inbound) {
	t, err := s.reg.Get(in.id)
	if err != nil || t.Conn() != in.conn {
		return
	}
	if in.err != nil {
		s.connectionLost(t, in.err)
		return
	}

	s.metrics.RecordPacket(metrics.DirectionIn, string(in.pkt.Kind()))
	before := t.Status()
	if err := t.ProcessCommand(in.pkt); err != nil {
		s.log.Debug("command rejected", "task", string(t.ID()), "command", in.pkt.Command, "error", err)
	}
	s.observe(t, before)
}

func (s *Supervisor) connectionLost(t *task.Task, cause error) {
	before := t.Status()
	switch {
	case before == types.StatusCancelled:
		// 取消中斷線視同確認
		t.SetStatus(types.StatusComplete)
	case before.IsLive():
		if errors.Is(cause, transport.ErrClosed) {
			t.Fail("connection closed")
		} else {
			t.Fail("connection lost: " + cause.Error())
		}
	}
	s.release(t, true)
	s.observe(t, before)
}

// observe 記錄狀態變化並結算
func (s *Supervisor) observe(t *task.Task, before types.Status) {
	if t.Status() != before {
		s.record(journal.EventStatus, t)
	}
	s.settle(t)
}

/*
settle 依任務目前狀態決定下一步（同一狀態只結算一次）

COMPLETE / RETRY / ERROR 都會先釋放連線與程序
*/
func (s *Supervisor) settle(t *task.Task) {
	st := t.Status()
	if prev, ok := s.settled[t.ID()]; ok && prev == st {
		return
	}
	s.settled[t.ID()] = st

	switch st {
	case types.StatusComplete:
		s.release(t, false)
		switch {
		case s.dismissed[t.ID()]:
			s.remove(t)
		case s.stopping && s.interrupted[t.ID()]:
			// 最終快照以 QUEUED 帶到下次啟動
			t.ForceStatus(types.StatusQueued)
			s.record(journal.EventStatus, t)
		case t.Spec().Respawn:
			s.transition(t, types.StatusRestart)
		default:
			s.remove(t)
		}

	case types.StatusRetry:
		s.release(t, true)
		if s.stopping || !s.opts.Retry.Allows(t.Retries()-1) {
			t.Fail(fmt.Sprintf("retries exhausted after %d attempts", t.Retries()))
			s.record(journal.EventStatus, t)
			s.settle(t)
			return
		}
		s.metrics.RecordRetry()
		s.record(journal.EventRetry, t)

	case types.StatusError:
		s.release(t, true)
		if s.stopping || s.dismissed[t.ID()] {
			return
		}
		switch {
		case s.opts.Retry.Allows(t.Retries()):
			s.transition(t, types.StatusRestart)
			s.transition(t, types.StatusQueued)
			s.transition(t, types.StatusRetry)
			s.metrics.RecordRetry()
			s.record(journal.EventRetry, t)
			s.log.Info("task requeued", "task", string(t.ID()), "retries", t.Retries(), "start", t.StartAt())
		case t.Spec().Respawn:
			s.transition(t, types.StatusRestart)
		}
	}
}

// transition 依轉換表改變狀態並寫入 journal
func (s *Supervisor) transition(t *task.Task, to types.Status) {
	if err := t.SetStatus(to); err != nil {
		s.log.Warn("status change refused", "task", string(t.ID()), "error", err)
		return
	}
	s.record(journal.EventStatus, t)
}

// release 中斷連線並（視需要）終止程序
func (s *Supervisor) release(t *task.Task, terminate bool) {
	if p := t.Process(); p != nil && terminate {
		if err := p.Terminate(); err != nil {
			s.log.Debug("terminate worker", "task", string(t.ID()), "pid", p.Pid(), "error", err)
		}
	}
	t.Detach()
}

// kill 強制結束程序並中斷連線
func (s *Supervisor) kill(t *task.Task) {
	if p := t.Process(); p != nil {
		if err := p.Kill(); err != nil {
			s.log.Debug("kill worker", "task", string(t.ID()), "pid", p.Pid(), "error", err)
		}
	}
	t.Detach()
}

// ============================================================================
// Tick
// ============================================================================

// tick 每個 poll_interval 執行一次：逾時、心跳、過期回收、啟動就緒任務
func (s *Supervisor) tick() {
	for _, t := range s.reg.All() {
		st := t.Status()
		switch {
		case st.IsLive() && st != types.StatusCancelled && t.Conn() != nil && t.TimedOut():
			s.log.Warn("task timed out", "task", string(t.ID()), "timeout", t.Spec().Timeout.Std())
			s.cancelTask(t, s.opts.CancelGrace)

		case (st == types.StatusRunning || st == types.StatusSleep || st == types.StatusWait) &&
			t.Silent(s.opts.HeartbeatTimeout):
			s.metrics.RecordHeartbeatTimeout()
			t.Fail(fmt.Sprintf("no heartbeat for %s", s.opts.HeartbeatTimeout))
			s.observe(t, st)

		case t.Expired():
			s.reap(t)
		}
	}

	if !s.stopping {
		for _, t := range s.reg.Ready() {
			s.launch(t)
		}
	}

	s.metrics.UpdateTaskStats(s.reg.Counts())

	if s.opts.Snapshots != nil && s.opts.SnapshotInterval > 0 && !s.stopping &&
		s.now().Sub(s.lastSnapshot) >= s.opts.SnapshotInterval {
		s.takeSnapshot()
	}
}

// launch 啟動一個就緒任務
func (s *Supervisor) launch(t *task.Task) {
	_, span := telemetry.Tracer().Start(s.ctx, "supervisor.launch",
		trace.WithAttributes(telemetry.TaskAttrs(string(t.ID()), t.Type(), t.Status().String())...))

	delete(s.settled, t.ID())
	err := t.Start(s.launcher)
	if errors.Is(err, task.ErrNotStartable) {
		telemetry.Finish(span, err)
		s.log.Warn("task not startable", "task", string(t.ID()), "status", t.Status().String())
		return
	}
	s.metrics.RecordLaunch(err)
	s.record(journal.EventLaunch, t)
	telemetry.Finish(span, err)

	if err != nil {
		s.settle(t)
		return
	}
	if conn := t.Conn(); conn != nil {
		s.launchedAt[t.ID()] = s.now()
		s.track(t.ID(), conn)
		s.log.Info("task launched", "task", string(t.ID()), "type", t.Type(), "pid", pidOf(t))
		return
	}
	s.log.Info("waiting for agent", "task", string(t.ID()), "type", t.Type())
}

// cancelTask 協作式取消；沒有連線的任務直接完成
func (s *Supervisor) cancelTask(t *task.Task, grace time.Duration) {
	before := t.Status()
	if err := t.Cancel(grace); err != nil {
		s.log.Warn("cancel failed", "task", string(t.ID()), "error", err)
	}
	if t.Status() == types.StatusCancelled {
		s.metrics.RecordPacket(metrics.DirectionOut, string(protocol.KindCancel))
	}
	s.record(journal.EventCancel, t)
	s.observe(t, before)
}

// reap 回收寬限已過的 WAIT / CANCELLED / ERROR 任務
func (s *Supervisor) reap(t *task.Task) {
	s.log.Warn("task expired", "task", string(t.ID()), "status", t.Status().String())
	s.kill(t)
	if s.stopping {
		return
	}
	s.remove(t)
}

// remove 從任務表移除並清除其訂閱
func (s *Supervisor) remove(t *task.Task) {
	id := t.ID()
	if _, err := s.reg.Remove(id); err != nil {
		return
	}
	s.events.UnsubscribeAll(id)

	var alive float64
	if at, ok := s.launchedAt[id]; ok {
		alive = s.now().Sub(at).Seconds()
	}
	delete(s.launchedAt, id)
	delete(s.settled, id)
	delete(s.dismissed, id)
	delete(s.interrupted, id)

	s.metrics.RecordRemoved(t.Status(), alive)
	s.record(journal.EventRemove, t)
	s.log.Info("task removed", "task", string(id), "status", t.Status().String(), "error", t.LastError())
}

// ============================================================================
// Queue
// ============================================================================

func (s *Supervisor) taskOptions(id types.TaskID, dynamic bool) task.Options {
	return task.Options{
		ID:      id,
		Host:    s.host,
		Now:     s.now,
		Backoff: s.opts.Retry.DelayFor,
		Grace:   s.opts.ErrorGrace,
		Logger:  s.log,
		Dynamic: dynamic,
	}
}

// enqueue 加入並排隊一個新任務（reactor 內部使用）
func (s *Supervisor) enqueue(spec types.TaskSpec, id types.TaskID, dynamic bool) (*task.Task, error) {
	if s.stopping {
		return nil, ErrStopping
	}
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidSpec)
	}
	t := task.New(spec, s.taskOptions(id, dynamic))
	if err := s.reg.Add(t); err != nil {
		return nil, err
	}
	if err := t.Queue(); err != nil {
		s.reg.Remove(t.ID())
		return nil, err
	}
	s.metrics.RecordQueued()
	s.record(journal.EventQueue, t)
	return t, nil
}

// ============================================================================
// Remote agents
// ============================================================================

// attachAgent 將升級完成的 agent 連線綁定到任務
//
// CID 已知：該任務必須是遠端任務且目前沒有連線
// CID 未知：依 X-Warlock-Type 標頭建立新的遠端任務
func (s *Supervisor) attachAgent(a transport.Accepted) {
	sock := a.Socket
	id := types.TaskID(sock.GUID())
	reject := func(reason string) {
		s.log.Warn("agent rejected", "cid", string(id), "remote", sock.RemoteAddr(), "reason", reason)
		sock.Send(string(protocol.KindError), protocol.ErrorPayload{Message: reason})
		sock.Disconnect()
	}
	if s.stopping {
		reject(ErrStopping.Error())
		return
	}

	t, err := s.reg.Get(id)
	if err != nil {
		typ := a.Request.Header.Get(worker.HeaderType)
		if typ == "" {
			reject("unknown agent and no " + worker.HeaderType + " header")
			return
		}
		spec := types.TaskSpec{Name: a.Request.Header.Get(worker.HeaderName), Type: typ, Remote: true}
		if t, err = s.enqueue(spec, id, false); err != nil {
			reject(err.Error())
			return
		}
	}
	if !t.Spec().Remote {
		reject("task is not remote")
		return
	}
	if t.Conn() != nil {
		reject("task already has an agent")
		return
	}

	before := t.Status()
	if before != types.StatusStarting {
		if err := t.SetStatus(types.StatusStarting); err != nil {
			reject(fmt.Sprintf("task is %s", before))
			return
		}
	}
	delete(s.settled, id)
	if err := t.Attach(sock); err != nil {
		reject(err.Error())
		return
	}

	s.metrics.RecordLaunch(nil)
	s.record(journal.EventLaunch, t)
	s.launchedAt[id] = s.now()
	s.track(id, sock)
	s.log.Info("agent attached", "task", string(id), "type", t.Type(), "remote", sock.RemoteAddr())
}

// ============================================================================
// 持久化
// ============================================================================

// record 寫入 journal；失敗只記錄，不影響 reactor
func (s *Supervisor) record(typ journal.EventType, t *task.Task) {
	if s.opts.Journal == nil {
		return
	}
	if _, err := s.opts.Journal.Append(typ, t.Record()); err != nil {
		s.log.Error("journal append failed", "type", string(typ), "task", string(t.ID()), "error", err)
	}
}

// takeSnapshot 寫入動態任務快照並旋轉 journal
func (s *Supervisor) takeSnapshot() {
	s.lastSnapshot = s.now()
	if s.opts.Snapshots == nil {
		return
	}

	data := types.SnapshotData{Tasks: make(map[types.TaskID]*types.TaskRecord)}
	for _, rec := range s.reg.Records() {
		if !rec.Dynamic {
			continue
		}
		r := rec
		data.Tasks[r.ID] = &r
	}
	if j := s.opts.Journal; j != nil {
		if err := j.Flush(); err != nil {
			s.log.Error("journal flush failed", "error", err)
			return
		}
		data.LastSeq = j.LastSeq()
	}

	if err := s.opts.Snapshots.WriteWithBackup(data, s.opts.SnapshotKeep); err != nil {
		s.log.Error("snapshot failed", "error", err)
		return
	}
	if j := s.opts.Journal; j != nil {
		if _, err := j.Rotate(); err != nil {
			s.log.Error("journal rotate failed", "error", err)
		}
	}
	s.log.Debug("snapshot written", "tasks", len(data.Tasks), "last_seq", data.LastSeq)
}

// restore 從快照與 journal 重建動態任務，再排入設定檔中的靜態任務
func (s *Supervisor) restore() error {
	records := make(map[types.TaskID]*types.TaskRecord)
	var after uint64

	if s.opts.Snapshots != nil {
		data, err := s.opts.Snapshots.Load()
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		after = data.LastSeq
		if j := s.opts.Journal; j != nil {
			// 旋轉後的 journal 是空的，新事件必須排在快照之後
			j.EnsureSeq(after)
		}
		for id, rec := range data.Tasks {
			if rec != nil {
				records[id] = rec
			}
		}
	}

	if j := s.opts.Journal; j != nil {
		err := j.Replay(after, func(e journal.Event) error {
			switch e.Type {
			case journal.EventQueue:
				if e.Record != nil && e.Record.Dynamic {
					rec := *e.Record
					records[e.TaskID] = &rec
				}
			case journal.EventRemove:
				delete(records, e.TaskID)
			default:
				if rec, ok := records[e.TaskID]; ok {
					rec.Status = e.Status
					rec.Retries = e.Retries
					rec.UpdatedAt = e.Timestamp
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("replay journal: %w", err)
		}
	}

	restored := make([]*types.TaskRecord, 0, len(records))
	for _, rec := range records {
		restored = append(restored, rec)
	}
	sort.Slice(restored, func(i, j int) bool {
		if restored[i].CreatedAt != restored[j].CreatedAt {
			return restored[i].CreatedAt < restored[j].CreatedAt
		}
		return restored[i].ID < restored[j].ID
	})
	for _, rec := range restored {
		t, err := task.FromRecord(*rec, s.taskOptions("", true))
		if errors.Is(err, task.ErrFinished) {
			s.log.Debug("finished task not restored", "task", string(rec.ID))
			continue
		}
		if err := s.reg.Add(t); err != nil {
			return err
		}
		if t.Status() == types.StatusInit {
			t.Queue()
		}
		s.log.Info("task restored", "task", string(t.ID()), "type", t.Type(), "status", t.Status().String())
	}

	used := make(map[types.TaskID]bool)
	for _, spec := range s.opts.Tasks {
		id := staticID(spec, used)
		if _, err := s.enqueue(spec, id, false); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
	}
	return nil
}

// staticID 設定檔任務以名稱為 id；重名時加上序號
func staticID(spec types.TaskSpec, used map[types.TaskID]bool) types.TaskID {
	base := spec.Name
	if base == "" {
		base = spec.Type
	}
	id := types.TaskID(base)
	for n := 2; used[id]; n++ {
		id = types.TaskID(fmt.Sprintf("%s-%d", base, n))
	}
	used[id] = true
	return id
}

// ============================================================================
// 關閉
// ============================================================================

// shutdown 取消所有存活任務，在寬限內繼續處理封包，之後強制回收
func (s *Supervisor) shutdown(ticker *time.Ticker) error {
	s.stopping = true
	s.log.Info("supervisor stopping", "tasks", s.reg.Len())

	for _, t := range s.reg.All() {
		if st := t.Status(); st.IsLive() && st != types.StatusCancelled {
			s.interrupted[t.ID()] = true
			s.cancelTask(t, s.opts.CancelGrace)
		}
	}

	deadline := time.Now().Add(s.opts.CancelGrace + s.opts.PollInterval)
	for s.connected() > 0 && time.Now().Before(deadline) {
		select {
		case fn := <-s.ops:
			fn()
		case in := <-s.inbound:
			s.handle(in)
		case a := <-s.accepted:
			s.attachAgent(a)
		case <-ticker.C:
			s.tick()
		}
	}

	for _, t := range s.reg.All() {
		if t.Conn() != nil {
			s.log.Warn("killing worker after grace", "task", string(t.ID()))
			s.kill(t)
		}
		// 經 Cancel API 取消但未在寬限內確認的任務不進入最終快照
		if s.dismissed[t.ID()] {
			s.remove(t)
		}
	}
	s.metrics.UpdateTaskStats(s.reg.Counts())
	s.takeSnapshot()
	if j := s.opts.Journal; j != nil {
		if err := j.Flush(); err != nil {
			s.log.Error("journal flush failed", "error", err)
		}
	}
	s.log.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) connected() int {
	n := 0
	for _, t := range s.reg.All() {
		if t.Conn() != nil {
			n++
		}
	}
	return n
}

func pidOf(t *task.Task) int {
	if p := t.Process(); p != nil {
		return p.Pid()
	}
	return 0
}
