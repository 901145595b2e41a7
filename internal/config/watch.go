package config

// ============================================================================
// 設定檔監看
// 職責：設定檔變更時重新載入，讓 run 可以即時套用新的 log.level
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/warlock/internal/logging"
)

// Watcher 監看單一設定檔
//
// 監看的是所在目錄而不是檔案本身：多數編輯器以 rename 取代原檔，
// 直接監看檔案會在第一次存檔後失效。
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	log      *slog.Logger
}

// NewWatcher 建立監看器；onChange 在每次成功重新載入後呼叫
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		log:      logging.For("config"),
	}
}

// Run 阻塞直到 ctx 結束；載入失敗只記錄警告並保留舊設定
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return errors.New("config: nothing to watch")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// 一次存檔常觸發多個事件，合併成一次重新載入
			stop()
			timer = time.NewTimer(w.debounce)
			pending = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", "error", err)

		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
				continue
			}
			w.log.Info("config reloaded", "path", w.path, "log_level", cfg.Log.Level)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// ApplyLogLevel 是 run 指令使用的 onChange：只套用可即時變更的日誌等級
func ApplyLogLevel(cfg *Config) {
	if cfg.Log.Level != logging.Level() {
		logging.SetLevel(cfg.Log.Level)
	}
}
