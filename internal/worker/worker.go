// ============================================================================
// Warlock Worker - 任務本體註冊表與子程序入口
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 以 type 名稱登記任務本體（service.Body 工廠），並提供兩種執行方式：
//
//   RunChild  supervisor 產生的子程序：stdin/stdout 即 Pipe 連線
//   RunAgent  遠端 agent：以 Socket 連到 supervisor 的 WebSocket 端點
//
// 兩者都把 Body 交給 service.Service 執行，差別只在 Connection
//
// 生命週期:
//   1. Lookup(spec.Type) 取得工廠並建立 Body
//   2. 建立並連線 Connection
//   3. service.Run(ctx)，ctx 在 SIGTERM / SIGINT 時取消
//   4. Run 返回後中斷連線
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/warlock/internal/service"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownType 沒有登記此 type 的本體
	ErrUnknownType = errors.New("unknown worker type")
	// ErrNoTask 子程序缺少任務環境變數
	ErrNoTask = errors.New("worker: task environment missing")
)

// ============================================================================
// 註冊表
// ============================================================================

// Factory builds a fresh Body for one run of a task.
type Factory func(spec types.TaskSpec) (service.Body, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register 登記 type 的工廠；重複登記會覆蓋
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Lookup 取得 type 的工廠
func Lookup(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return f, nil
}

// Types 回傳所有已登記的 type（排序）
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build 依 spec 建立 Body
func Build(spec types.TaskSpec) (service.Body, error) {
	f, err := Lookup(spec.Type)
	if err != nil {
		return nil, err
	}
	return f(spec)
}

// ============================================================================
// 執行
// ============================================================================

// Run 在已連線的 conn 上執行 spec 對應的本體，結束時中斷連線
func Run(ctx context.Context, conn transport.Connection, id types.TaskID, spec types.TaskSpec, heartbeat time.Duration, log *slog.Logger) error {
	defer conn.Disconnect()

	body, err := Build(spec)
	if err != nil {
		// 讓 supervisor 知道原因，再以 ERROR 結束
		svc := service.New(conn, service.BodyFunc(func(s *service.Service) error {
			s.Fail(err.Error())
			return nil
		}), service.Options{ID: id, Logger: log})
		svc.Run(ctx)
		return err
	}

	svc := service.New(conn, body, service.Options{
		ID:                id,
		Params:            spec.Params,
		HeartbeatInterval: heartbeat,
		Logger:            log,
	})
	return svc.Run(ctx)
}

// RunChild 是 `warlock worker` 的入口：從環境變數讀取任務，透過 stdin/stdout 與 supervisor 通訊
func RunChild(ctx context.Context, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	id := os.Getenv(EnvTaskID)
	raw := os.Getenv(EnvTask)
	if id == "" || raw == "" {
		return ErrNoTask
	}
	var spec types.TaskSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("worker: decode %s: %w", EnvTask, err)
	}
	var heartbeat time.Duration
	if v := os.Getenv(EnvHeartbeat); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("worker: %s: %w", EnvHeartbeat, err)
		}
		heartbeat = d
	}

	conn := transport.NewPipe(id, os.Stdin, os.Stdout)
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	log.Debug("worker started", "task", id, "type", spec.Type)
	return Run(ctx, conn, types.TaskID(id), spec, heartbeat, log)
}

// AgentOptions 遠端 agent 設定
type AgentOptions struct {
	Addr              string // supervisor host:port
	Path              string // upgrade path
	GUID              string // CID；空字串時自動產生
	Spec              types.TaskSpec
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// RunAgent 連到 supervisor 並執行任務本體，直到本體結束或 ctx 取消
func RunAgent(ctx context.Context, opts AgentOptions) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Spec.Type == "" {
		return fmt.Errorf("%w: agent needs a type", ErrUnknownType)
	}
	headers := http.Header{}
	headers.Set(HeaderType, opts.Spec.Type)
	if opts.Spec.Name != "" {
		headers.Set(HeaderName, opts.Spec.Name)
	}

	sock, err := transport.Dial(ctx, transport.DialConfig{
		Addr:    opts.Addr,
		Path:    opts.Path,
		GUID:    opts.GUID,
		Headers: headers,
	})
	if err != nil {
		return err
	}
	opts.Logger.Info("agent connected", "addr", opts.Addr, "cid", sock.GUID(), "type", opts.Spec.Type)
	return Run(ctx, sock, types.TaskID(sock.GUID()), opts.Spec, opts.HeartbeatInterval, opts.Logger)
}
