package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加任務生命週期事件到 JSON-lines 檔案（append-only）
// 2. 提供重放功能，配合快照恢復動態任務
// 3. 支援日誌旋轉（快照後壓縮舊檔並清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/warlock/pkg/types"
)

// File 定義 journal 所需的檔案操作，測試時可替換
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Options 調整寫入策略
type Options struct {
	SyncOnAppend  bool          // 每次 Append 都 flush + fsync
	BufferSize    int           // 緩衝事件數上限，預設 256
	FlushInterval time.Duration // 距上次 flush 超過此時間即 flush，預設 1s
	Now           func() time.Time
}

// Journal 任務事件日誌
type Journal struct {
	mu      sync.Mutex
	file    File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
	opts    Options

	buffer        []Event
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟 journal

行為：
  - 父目錄不存在時自動建立
  - 檔案已存在時掃描最後一個完整事件並延續 seq
  - 以 O_APPEND 開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	seq, err := scanLastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: opts.Now(),
	}, nil
}

// Append 追加一個事件
//
// 行為：
//   - 自動遞增 seq 並計算 checksum
//   - 先進緩衝區；SyncOnAppend、緩衝區滿或超過 FlushInterval 時寫入磁碟
//
// 回傳事件的 seq
func (j *Journal) Append(typ EventType, rec types.TaskRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	now := j.opts.Now()
	ev := Event{
		Seq:       j.seq,
		Type:      typ,
		TaskID:    rec.ID,
		Status:    rec.Status,
		Retries:   rec.Retries,
		Timestamp: now.UnixMilli(),
	}
	if typ == EventQueue {
		r := rec
		ev.Record = &r
	}
	ev.Checksum = Checksum(ev)

	j.buffer = append(j.buffer, ev)

	if j.opts.SyncOnAppend || len(j.buffer) >= j.opts.BufferSize || now.Sub(j.lastFlushTime) >= j.opts.FlushInterval {
		if err := j.flushLocked(); err != nil {
			return ev.Seq, err
		}
	}
	return ev.Seq, nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 重放 journal 中 seq 大於 after 的事件
//
// 行為：
//   - 先 flush，確保緩衝事件也被重放
//   - 驗證每個事件的 checksum，失敗回傳 *ChecksumError
//   - 檔尾不完整的最後一行（寫到一半當機）會被忽略
//   - 中間無法解析的行回傳 *CorruptionError
func (j *Journal) Replay(after uint64, handler Handler) error {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	path := j.path
	j.mu.Unlock()

	return ReplayFile(path, after, handler)
}

// ReplayFile 不開啟 journal 直接重放檔案（status 指令與測試用）
func ReplayFile(path string, after uint64, handler Handler) error {
	return scan(path, func(ev Event) error {
		if err := Verify(ev); err != nil {
			return err
		}
		if ev.Seq <= after {
			return nil
		}
		return handler(ev)
	})
}

// Rotate 旋轉日誌檔案
//
// 舊檔壓縮成 <path>.<timestamp>.gz 後刪除，seq 持續遞增不歸零，
// 讓快照中的 LastSeq 在旋轉後仍然有意義。回傳壓縮檔路徑。
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	archive := fmt.Sprintf("%s.%s.gz", j.path, j.opts.Now().Format("20060102_150405.000"))
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	compressErr := compressFile(j.path, archive)
	if compressErr != nil {
		// 壓縮失敗時保留原檔繼續追加
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		archive = ""
	}

	file, err := os.OpenFile(j.path, flag, 0o644)
	if err != nil {
		return "", fmt.Errorf("journal: reopen: %w", err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.lastFlushTime = j.opts.Now()
	if compressErr != nil {
		return "", fmt.Errorf("journal: compress: %w", compressErr)
	}
	return archive, nil
}

// Close 關閉 journal；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// LastSeq 取得最後分配的事件序號（快照時寫入 SnapshotData.LastSeq）
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// EnsureSeq 讓之後分配的 seq 大於 floor
//
// Rotate 後檔案是空的，重啟時 Open 掃不到舊 seq；恢復時以快照的
// LastSeq 呼叫，避免新事件被 Replay(LastSeq) 略過
func (j *Journal) EnsureSeq(floor uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seq < floor {
		j.seq = floor
	}
}

// Path 回傳 journal 檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, ev := range j.buffer {
		if err := j.encoder.Encode(ev); err != nil {
			return fmt.Errorf("journal: write seq=%d: %w", ev.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.opts.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// scan 逐行解碼檔案；不存在的檔案視為空
func scan(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line := 0
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				var ev Event
				if err := json.Unmarshal(trimmed, &ev); err != nil {
					// 沒有換行結尾的最後一行：寫入途中當機，安全忽略
					if readErr == io.EOF && raw[len(raw)-1] != '\n' {
						return nil
					}
					return &CorruptionError{Line: line, Cause: err}
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("journal: read: %w", readErr)
		}
	}
}

func scanLastSeq(path string) (uint64, error) {
	var seq uint64
	err := scan(path, func(ev Event) error {
		if ev.Seq > seq {
			seq = ev.Seq
		}
		return nil
	})
	return seq, err
}

// compressFile gzip 壓縮 src 到 dst 後刪除 src
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
