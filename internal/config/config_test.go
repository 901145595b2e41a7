package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
supervisor:
  host: 0.0.0.0
  port: 9000
  heartbeat_interval: 2s
  heartbeat_timeout: 10s
  retry:
    delay: 500ms
    backoff: 1.5
    max_retries: 5
log:
  level: debug
http:
  enabled: false
tasks:
  - name: clock
    type: clock
    respawn: true
    respawn_delay: 2s
    params:
      every: 5
  - name: relay
    type: relay
    remote: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:7070", cfg.SupervisorAddr())
	assert.Equal(t, "127.0.0.1:7071", cfg.HTTPAddr())
	assert.Equal(t, "127.0.0.1:7072", cfg.ControlAddr())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.HeartbeatInterval.Std())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "warlock.yaml", sample)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "0.0.0.0", cfg.Supervisor.Host)
	assert.Equal(t, 9000, cfg.Supervisor.Port)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.HeartbeatInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.Retry.Delay.Std())
	assert.Equal(t, 1.5, cfg.Supervisor.Retry.Backoff)
	assert.Equal(t, 5, cfg.Supervisor.Retry.MaxRetries)
	// 未出現在檔案中的欄位保留預設值
	assert.Equal(t, "/warlock", cfg.Supervisor.Path)
	assert.Equal(t, time.Minute, cfg.Supervisor.Retry.MaxDelay.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.HTTP.Enabled)

	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "clock", cfg.Tasks[0].Type)
	assert.True(t, cfg.Tasks[0].Respawn)
	assert.Equal(t, 2*time.Second, cfg.Tasks[0].RespawnDelay.Std())
	assert.EqualValues(t, 5, cfg.Tasks[0].Params["every"])
	assert.True(t, cfg.Tasks[1].Remote)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "bad.yaml", "supervisor: [unterminated"))
	assert.Error(t, err)

	cases := map[string]string{
		"level":     "log: {level: loud}",
		"port":      "supervisor: {port: 70000}",
		"heartbeat": "supervisor: {heartbeat_interval: 0s}",
		"timeout":   "supervisor: {heartbeat_interval: 10s, heartbeat_timeout: 1s}",
		"no type":   "tasks: [{name: x}]",
		"dup name":  "tasks: [{name: x, type: clock}, {name: x, type: relay}]",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, "c.yaml", content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARLOCK_HOST", "10.0.0.1")
	t.Setenv("WARLOCK_PORT", "7100")
	t.Setenv("WARLOCK_LOG_LEVEL", "warn")
	t.Setenv("WARLOCK_HEARTBEAT_INTERVAL", "3s")
	t.Setenv("WARLOCK_RETRY_DELAY", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Supervisor.Host)
	assert.Equal(t, 7100, cfg.Supervisor.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.HeartbeatInterval.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.Retry.Delay.Std())
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("WARLOCK_PORT", "seventy")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "WARLOCK_LOG_LEVEL=error\nWARLOCK_HTTP_PORT=8001\n")
	writeFile(t, dir, ".env.staging", "WARLOCK_LOG_LEVEL=debug\n")

	// t.Setenv 註冊清理，godotenv 寫入的值測試結束後還原
	t.Setenv("WARLOCK_LOG_LEVEL", "")
	t.Setenv("WARLOCK_HTTP_PORT", "")
	require.NoError(t, os.Unsetenv("WARLOCK_LOG_LEVEL"))
	require.NoError(t, os.Unsetenv("WARLOCK_HTTP_PORT"))

	loaded, err := LoadEnv(dir, "staging")
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	// .env.staging 先載入，.env 不覆蓋
	assert.Equal(t, "debug", os.Getenv("WARLOCK_LOG_LEVEL"))
	assert.Equal(t, "8001", os.Getenv("WARLOCK_HTTP_PORT"))

	_, err = LoadEnv(t.TempDir(), "prod")
	assert.Error(t, err)

	loaded, err = LoadEnv(t.TempDir(), "")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "warlock.yaml", "log: {level: info}\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// 寫入無效內容不觸發 onChange；之後的有效內容會
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "other.yaml", "ignored: true\n")
	writeFile(t, dir, "warlock.yaml", "log: {level: loud}\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "warlock.yaml", "log: {level: debug}\n")

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcherNoPath(t *testing.T) {
	assert.Error(t, NewWatcher("", nil).Run(context.Background()))
}
