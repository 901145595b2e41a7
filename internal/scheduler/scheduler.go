// ============================================================================
// Warlock Scheduler - 定時回呼表
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: worker 端的排程表。delay / interval / schedule / cron 四種項目，
//       由 Service 的 sleep() 在每次喚醒時呼叫 RunDue
//
// 項目類型:
//   delay     N 秒後執行一次，執行後刪除
//   norm      指定絕對時間執行一次（schedule()），執行後刪除
//   interval  每 N 秒執行；when += interval，若仍落後則跳到 now + interval
//   cron      依 cron 表示式，when = Next(now)
//
// 並發:
//   Scheduler 屬於單一 worker 的執行迴圈，不跨 goroutine 使用
//
// ============================================================================

package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// 項目參數不合法（間隔 <= 0、cron 錯誤等）
	ErrInvalidEntry = errors.New("invalid schedule entry")
	// 項目不存在
	ErrEntryNotFound = errors.New("schedule entry not found")
)

// Kind 排程項目類型
type Kind int

const (
	KindDelay Kind = iota
	KindInterval
	KindNorm
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindDelay:
		return "delay"
	case KindInterval:
		return "interval"
	case KindNorm:
		return "norm"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Callback 排程回呼；params 為註冊時傳入的參數
type Callback func(params any) error

// Entry 一個排程項目
type Entry struct {
	ID       string
	Kind     Kind
	When     time.Time
	Interval time.Duration
	Cron     *CronSchedule
	Callback Callback
	Params   any
	Runs     int
	seq      int
}

// Scheduler 排程表
type Scheduler struct {
	entries map[string]*Entry
	now     func() time.Time
	seq     int
}

// New 建立排程表；now 為 nil 時使用 time.Now
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{entries: make(map[string]*Entry), now: now}
}

func (s *Scheduler) add(e *Entry) string {
	s.seq++
	e.seq = s.seq
	e.ID = fmt.Sprintf("%s-%d", e.Kind, s.seq)
	s.entries[e.ID] = e
	return e.ID
}

// Delay 在 d 之後執行一次
func (s *Scheduler) Delay(d time.Duration, cb Callback, params any) string {
	return s.add(&Entry{Kind: KindDelay, When: s.now().Add(max(d, 0)), Callback: cb, Params: params})
}

// Interval 每 every 執行一次，第一次在 now + every
func (s *Scheduler) Interval(every time.Duration, cb Callback, params any) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidEntry, every)
	}
	return s.add(&Entry{Kind: KindInterval, When: s.now().Add(every), Interval: every, Callback: cb, Params: params}), nil
}

// Schedule 在絕對時間 at 執行一次（已過去的時間會在下一次 RunDue 立即執行）
func (s *Scheduler) Schedule(at time.Time, cb Callback, params any) string {
	return s.add(&Entry{Kind: KindNorm, When: at, Callback: cb, Params: params})
}

// Cron 依 cron 表示式重複執行
func (s *Scheduler) Cron(expr string, cb Callback, params any) (string, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return "", err
	}
	when := sched.Next(s.now())
	if when.IsZero() {
		return "", fmt.Errorf("%w: cron %q never fires", ErrInvalidEntry, expr)
	}
	return s.add(&Entry{Kind: KindCron, When: when, Cron: sched, Callback: cb, Params: params}), nil
}

// Cancel 移除項目
func (s *Scheduler) Cancel(id string) error {
	if _, ok := s.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	return nil
}

// Get 取得項目
func (s *Scheduler) Get(id string) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Len 項目數
func (s *Scheduler) Len() int { return len(s.entries) }

// Next 回傳最早的 when；沒有項目時 ok 為 false
func (s *Scheduler) Next() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range s.entries {
		if !found || e.When.Before(next) {
			next = e.When
			found = true
		}
	}
	return next, found
}

// RunDue 執行所有已到期的項目，依 when（相同時依註冊順序）排序
//
// 每個項目在呼叫 invoke 之前就先重新排程或刪除，所以回呼內可以安全地
// Cancel 自己或註冊新項目；新項目最早在下一次 RunDue 才會執行
//
// 返回值：實際執行的項目數
func (s *Scheduler) RunDue(invoke func(e *Entry)) int {
	now := s.now()

	var due []*Entry
	for _, e := range s.entries {
		if !e.When.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].When.Equal(due[j].When) {
			return due[i].seq < due[j].seq
		}
		return due[i].When.Before(due[j].When)
	})

	ran := 0
	for _, e := range due {
		if _, still := s.entries[e.ID]; !still {
			continue // cancelled by an earlier callback
		}
		s.advance(e, now)
		e.Runs++
		ran++
		invoke(e)
	}
	return ran
}

func (s *Scheduler) advance(e *Entry, now time.Time) {
	switch e.Kind {
	case KindInterval:
		e.When = e.When.Add(e.Interval)
		if !e.When.After(now) {
			e.When = now.Add(e.Interval)
		}
	case KindCron:
		e.When = e.Cron.Next(now)
		if e.When.IsZero() {
			delete(s.entries, e.ID)
		}
	default:
		delete(s.entries, e.ID)
	}
}

// Entries 依 when 排序的所有項目（除錯與測試用）
func (s *Scheduler) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out
}
