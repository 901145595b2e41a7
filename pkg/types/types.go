// Package types 定義了 warlock 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskID 任務唯一識別碼（同時作為遠端 agent 的 CID）
type TaskID string

// Status 任務狀態（封閉列舉，所有轉換都經過 CanTransition）
type Status int

// 定義任務狀態常數
const (
	StatusInit      Status = iota // 初始狀態：任務物件已建立，尚未排隊
	StatusQueued                  // 排隊狀態：等待 supervisor 啟動
	StatusStarting                // 啟動中：正在建立 worker 程序或等待 agent 連線
	StatusRunning                 // 執行中：worker 已連線並送出心跳
	StatusSleep                   // 休眠中：worker 正阻塞於 sleep()
	StatusWait                    // 等待中：worker 暫停，等待外部事件
	StatusRetry                   // 重試：失敗後等待退避時間
	StatusRestart                 // 重啟：完成或錯誤後依 respawn 設定重新排隊
	StatusCancelled               // 已取消：已送出 cancel，等待 worker 確認或過期
	StatusError                   // 錯誤：啟動失敗或執行失敗
	StatusComplete                // 完成：worker 正常結束
)

var statusNames = [...]string{
	StatusInit:      "init",
	StatusQueued:    "queued",
	StatusStarting:  "starting",
	StatusRunning:   "running",
	StatusSleep:     "sleep",
	StatusWait:      "wait",
	StatusRetry:     "retry",
	StatusRestart:   "restart",
	StatusCancelled: "cancelled",
	StatusError:     "error",
	StatusComplete:  "complete",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus 將字串轉回狀態（大小寫不敏感）
func ParseStatus(s string) (Status, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusInit, fmt.Errorf("unknown task status %q", s)
}

// MarshalText 讓狀態在 JSON/YAML 中以名稱呈現
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 從名稱解析狀態
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ============================================================================
// 狀態轉換表
// ============================================================================

// transitions 列出每個狀態允許的下一個狀態
//
//	INIT → QUEUED → STARTING → RUNNING → {COMPLETE | CANCELLED | ERROR | RETRY | WAIT}
//	COMPLETE / ERROR 只能透過明確的 RESTART 離開
func transitions(from Status) []Status {
	switch from {
	case StatusInit:
		return []Status{StatusQueued, StatusStarting}
	case StatusQueued:
		return []Status{StatusStarting, StatusRestart, StatusRetry}
	case StatusStarting:
		return []Status{StatusRunning, StatusError, StatusCancelled}
	case StatusRunning:
		return []Status{StatusSleep, StatusWait, StatusComplete, StatusCancelled, StatusError, StatusRetry}
	case StatusSleep:
		return []Status{StatusRunning, StatusWait, StatusComplete, StatusCancelled, StatusError, StatusRetry}
	case StatusWait:
		return []Status{StatusRunning, StatusComplete, StatusCancelled, StatusError, StatusRestart}
	case StatusRetry:
		return []Status{StatusStarting, StatusQueued}
	case StatusRestart:
		return []Status{StatusQueued, StatusStarting}
	case StatusCancelled:
		return []Status{StatusComplete}
	case StatusError:
		return []Status{StatusRestart}
	case StatusComplete:
		return []Status{StatusRestart}
	default:
		return nil
	}
}

// CanTransition 檢查 from → to 是否為合法轉換
func CanTransition(from, to Status) bool {
	for _, next := range transitions(from) {
		if next == to {
			return true
		}
	}
	return false
}

// Next 回傳 from 可達的所有狀態（用於測試與除錯輸出）
func Next(from Status) []Status {
	return append([]Status(nil), transitions(from)...)
}

// IsLive 表示該狀態下 worker 應持有連線
func (s Status) IsLive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusSleep, StatusWait, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsPending 表示任務正在等待被 supervisor 啟動
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusRestart || s == StatusRetry
}

// ============================================================================
// 任務定義
// ============================================================================

// Duration 包裝 time.Duration，讓 YAML/JSON 可以寫 "5s" 這樣的字串
type Duration time.Duration

// MarshalText 以 time.Duration 字串格式輸出
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText 解析 "5s"、"100ms" 等格式；空字串視為 0
func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std 轉回標準庫型別
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TaskSpec 任務定義，來自設定檔或控制平面
type TaskSpec struct {
	Name         string         `json:"name" yaml:"name"`                   // 任務名稱（顯示用）
	Type         string         `json:"type" yaml:"type"`                   // worker 類型，對應 worker registry
	Params       map[string]any `json:"params,omitempty" yaml:"params"`     // 傳給 worker 的參數
	Respawn      bool           `json:"respawn" yaml:"respawn"`             // 結束後是否自動重啟
	RespawnDelay Duration       `json:"respawn_delay" yaml:"respawn_delay"` // 重啟延遲
	Timeout      Duration       `json:"timeout" yaml:"timeout"`             // 最長執行時間，0 表示不限
	Remote       bool           `json:"remote" yaml:"remote"`               // true 表示等待遠端 agent 連線，不建立子程序
}

// TaskRecord 任務的可持久化狀態
type TaskRecord struct {
	ID        TaskID   `json:"id"`
	Spec      TaskSpec `json:"spec"`
	Status    Status   `json:"status"`
	Retries   int      `json:"retries"`
	Start     int64    `json:"start_ms"`   // 最早可啟動時間（Unix 毫秒）
	CreatedAt int64    `json:"created_at"` // 建立時間（Unix 毫秒）
	UpdatedAt int64    `json:"updated_at"` // 最後更新時間（Unix 毫秒）
	Dynamic   bool     `json:"dynamic"`    // 透過控制平面加入（非設定檔）
}

// SnapshotData 快照資料，用於 supervisor 重啟後恢復動態任務
type SnapshotData struct {
	Tasks     map[TaskID]*TaskRecord `json:"tasks"`      // 所有需要恢復的任務
	SchemaVer int                    `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64                 `json:"last_seq"`   // 快照涵蓋的最後 journal 序號
}
