// ============================================================================
// Warlock Logging
// ============================================================================
//
// Package: internal/logging
// File: logging.go
// Purpose: Process-wide log/slog setup shared by the supervisor, workers and
//          agents.
//
// Outputs:
//   - text handler on stderr (dropped when silent)
//   - optional JSON handler appending to a file
//
// Workers never log to stdout: stdout carries the pipe protocol.
//
// ============================================================================

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelVar slog.LevelVar
	mu       sync.Mutex
	logFile  *os.File
)

// Init 設定全域 slog logger
//
// level: "debug" / "info" / "warn" / "error"（預設 info）
// file: JSON 日誌檔路徑，空字串表示不寫檔
// silent: true 時不輸出到 stderr
func Init(level, file string, silent bool) error {
	return InitWriter(level, file, silent, os.Stderr)
}

// InitWriter 與 Init 相同，但 console 輸出到指定的 writer（測試用）
func InitWriter(level, file string, silent bool, console io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	levelVar.Set(parseLevel(level))

	var hs []slog.Handler
	if !silent {
		hs = append(hs, slog.NewTextHandler(console, &slog.HandlerOptions{Level: &levelVar}))
	}

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		hs = append(hs, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: &levelVar}))
	}

	switch len(hs) {
	case 0:
		slog.SetDefault(slog.New(discardHandler{}))
	case 1:
		slog.SetDefault(slog.New(hs[0]))
	default:
		slog.SetDefault(slog.New(&multiHandler{handlers: hs}))
	}
	return nil
}

// Close 關閉日誌檔（若有）
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// For returns a logger tagged with the given component name.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// SetLevel changes the log level at runtime.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// Level returns the current level name.
func Level() string {
	l := levelVar.Level()
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel converts a level name to slog.Level; unknown names map to info.
func ParseLevel(s string) slog.Level {
	return parseLevel(s)
}

// ValidLevel reports whether s names a known level. Empty means the default.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
// Handlers
// ============================================================================

// multiHandler fans records out to every handler that accepts the level.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

// discardHandler drops everything (--silent without a log file).
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var (
	_ slog.Handler = (*multiHandler)(nil)
	_ slog.Handler = discardHandler{}
)
