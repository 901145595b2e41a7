// ============================================================================
// Warlock Config - 設定載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: 讀取 YAML 設定檔、.env 檔與 WARLOCK_* 環境變數，產生 supervisor
//          使用的純值設定。broker 本身不讀檔案，只接收這裡產出的 Config。
//
// 優先順序（後者覆蓋前者）:
//   1. Default()
//   2. YAML 設定檔（--config / -c）
//   3. .env、.env.<name>（--env <name>，godotenv 不覆蓋已存在的變數）
//   4. WARLOCK_* 環境變數
//
// 支援的環境變數:
//   WARLOCK_HOST, WARLOCK_PORT, WARLOCK_LOG_LEVEL, WARLOCK_LOG_FILE,
//   WARLOCK_HEARTBEAT_INTERVAL, WARLOCK_RETRY_DELAY, WARLOCK_HTTP_PORT,
//   WARLOCK_CONTROL_PORT
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/warlock/internal/logging"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// EnvPrefix 所有覆蓋用環境變數的前綴
const EnvPrefix = "WARLOCK_"

// ErrInvalid 設定值不合法
var ErrInvalid = errors.New("config: invalid value")

// Retry 重試退避設定
type Retry struct {
	Delay      types.Duration `yaml:"delay"`
	Backoff    float64        `yaml:"backoff"`
	MaxDelay   types.Duration `yaml:"max_delay"`
	MaxRetries int            `yaml:"max_retries"`
}

// Supervisor reactor 與 agent listener 設定
type Supervisor struct {
	Host              string         `yaml:"host"`
	Port              int            `yaml:"port"` // 0 表示不開 agent listener
	Path              string         `yaml:"path"`
	AllowedOrigins    []string       `yaml:"allowed_origins"`
	HeartbeatInterval types.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  types.Duration `yaml:"heartbeat_timeout"`
	PollInterval      types.Duration `yaml:"poll_interval"`
	CancelGrace       types.Duration `yaml:"cancel_grace"`
	PidFile           string         `yaml:"pid_file"`
	Retry             Retry          `yaml:"retry"`
}

// Log 日誌設定
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// HTTP long-poll 與 metrics 端點
type HTTP struct {
	Enabled         bool           `yaml:"enabled"`
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	LongPollTimeout types.Duration `yaml:"long_poll_timeout"`
}

// Control gRPC 控制平面
type Control struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Journal 事件日誌
type Journal struct {
	Path         string `yaml:"path"`
	SyncOnAppend bool   `yaml:"sync_on_append"`
}

// Snapshot 動態任務快照
type Snapshot struct {
	Path     string         `yaml:"path"`
	Interval types.Duration `yaml:"interval"`
	Keep     int            `yaml:"keep"`
}

// Tracing OpenTelemetry 設定
type Tracing struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"` // 空字串輸出到 stderr
}

// Config 完整系統設定
type Config struct {
	Supervisor Supervisor       `yaml:"supervisor"`
	Log        Log              `yaml:"log"`
	HTTP       HTTP             `yaml:"http"`
	Control    Control          `yaml:"control"`
	Journal    Journal          `yaml:"journal"`
	Snapshot   Snapshot         `yaml:"snapshot"`
	Tracing    Tracing          `yaml:"tracing"`
	Tasks      []types.TaskSpec `yaml:"tasks"`

	path string
}

// Default 回傳內建預設值
func Default() *Config {
	return &Config{
		Supervisor: Supervisor{
			Host:              "127.0.0.1",
			Port:              7070,
			Path:              "/warlock",
			HeartbeatInterval: types.Duration(5 * time.Second),
			HeartbeatTimeout:  types.Duration(30 * time.Second),
			PollInterval:      types.Duration(100 * time.Millisecond),
			CancelGrace:       types.Duration(10 * time.Second),
			PidFile:           "warlock.pid",
			Retry: Retry{
				Delay:      types.Duration(time.Second),
				Backoff:    2.0,
				MaxDelay:   types.Duration(time.Minute),
				MaxRetries: 3,
			},
		},
		Log: Log{Level: "info"},
		HTTP: HTTP{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7071,
			LongPollTimeout: types.Duration(30 * time.Second),
		},
		Control:  Control{Host: "127.0.0.1", Port: 7072},
		Journal:  Journal{Path: "data/warlock.journal"},
		Snapshot: Snapshot{Path: "data/warlock.snapshot.json", Interval: types.Duration(30 * time.Second), Keep: 3},
	}
}

// Load 讀取設定檔並套用環境變數覆蓋
//
// 參數：
//   - path: YAML 設定檔路徑；空字串只使用預設值與環境變數
//
// 錯誤處理：
//   - 檔案不存在或 YAML 解析失敗直接回傳
//   - 驗證失敗回傳包裝 ErrInvalid 的錯誤
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv 載入 .env 與 .env.<name>（存在才載入）
//
// godotenv.Load 不會覆蓋已存在的環境變數，所以較具體的 .env.<name>
// 要先載入。
func LoadEnv(dir, name string) ([]string, error) {
	var files []string
	if name != "" {
		files = append(files, joinDir(dir, ".env."+name))
	}
	files = append(files, joinDir(dir, ".env"))

	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return loaded, err
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}

	if name != "" && len(loaded) == 0 {
		return nil, fmt.Errorf("no env file for %q in %s", name, dir)
	}
	return loaded, nil
}

func joinDir(dir, file string) string {
	if dir == "" || dir == "." {
		return file
	}
	return dir + string(os.PathSeparator) + file
}

// Path 回傳載入時的設定檔路徑
func (c *Config) Path() string { return c.path }

// SupervisorAddr agent listener 位址
func (c *Config) SupervisorAddr() string {
	return net.JoinHostPort(c.Supervisor.Host, strconv.Itoa(c.Supervisor.Port))
}

// HTTPAddr HTTP 端點位址
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// ControlAddr gRPC 控制平面位址
func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.Control.Host, strconv.Itoa(c.Control.Port))
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	for name, port := range map[string]int{
		"supervisor.port": c.Supervisor.Port,
		"http.port":       c.HTTP.Port,
		"control.port":    c.Control.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
		}
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: supervisor.heartbeat_interval must be positive", ErrInvalid)
	}
	if c.Supervisor.HeartbeatTimeout > 0 && c.Supervisor.HeartbeatTimeout < c.Supervisor.HeartbeatInterval {
		return fmt.Errorf("%w: supervisor.heartbeat_timeout shorter than heartbeat_interval", ErrInvalid)
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("%w: supervisor.poll_interval must be positive", ErrInvalid)
	}
	if c.Supervisor.Retry.Delay < 0 || c.Supervisor.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: supervisor.retry must not be negative", ErrInvalid)
	}

	seen := make(map[string]bool)
	for i, t := range c.Tasks {
		if t.Type == "" {
			return fmt.Errorf("%w: tasks[%d] has no type", ErrInvalid, i)
		}
		if t.Name != "" {
			if seen[t.Name] {
				return fmt.Errorf("%w: duplicate task name %q", ErrInvalid, t.Name)
			}
			seen[t.Name] = true
		}
	}
	return nil
}

// applyEnv 套用 WARLOCK_* 覆蓋
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *types.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, key, v)
		}
		return nil
	}

	str("HOST", &c.Supervisor.Host)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	for _, err := range []error{
		num("PORT", &c.Supervisor.Port),
		num("HTTP_PORT", &c.HTTP.Port),
		num("CONTROL_PORT", &c.Control.Port),
		dur("HEARTBEAT_INTERVAL", &c.Supervisor.HeartbeatInterval),
		dur("RETRY_DELAY", &c.Supervisor.Retry.Delay),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
