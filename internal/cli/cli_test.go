package cli

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warlock/internal/config"
	"github.com/ChuLiYu/warlock/internal/control"
	"github.com/ChuLiYu/warlock/internal/supervisor"
	"github.com/ChuLiYu/warlock/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "warlock", cmd.Use, "Root command should be 'warlock'")
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "stop", "restart", "status", "queue", "cancel", "trigger", "agent", "worker"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigFile, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("silent"))
}

func TestRunAndStopFlags(t *testing.T) {
	opts := &rootOptions{}

	run := buildRunCommand(opts)
	assert.Equal(t, "run", run.Use)
	assert.Contains(t, run.Short, "Start")
	assert.NotNil(t, run.Flags().Lookup("daemon"))

	stop := buildStopCommand(opts)
	assert.NotNil(t, stop.Flags().Lookup("force"))
	assert.NotNil(t, stop.Flags().Lookup("pid"))
}

func TestWorkerCommandIsHidden(t *testing.T) {
	assert.True(t, buildWorkerCommand().Hidden)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"interval=5s", "count=3", "echo=true", "tags=[\"a\",\"b\"]", "empty="})
	require.NoError(t, err)
	assert.Equal(t, "5s", p["interval"])
	assert.Equal(t, 3.0, p["count"])
	assert.Equal(t, true, p["echo"])
	assert.Equal(t, []any{"a", "b"}, p["tags"])
	assert.Equal(t, "", p["empty"])

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)

	p, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadSpecs(t *testing.T) {
	dir := t.TempDir()

	list := filepath.Join(dir, "list.json")
	require.NoError(t, os.WriteFile(list, []byte(`[{"name":"a","type":"clock"},{"type":"relay","params":{"from":"x","to":"y"}}]`), 0o644))
	specs, err := loadSpecs(list)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "clock", specs[0].Type)
	assert.Equal(t, "x", specs[1].Params["from"])

	one := filepath.Join(dir, "one.json")
	require.NoError(t, os.WriteFile(one, []byte(`{"type":"clock","respawn":true,"respawn_delay":"2s"}`), 0o644))
	specs, err = loadSpecs(one)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].Respawn)
	assert.Equal(t, 2*time.Second, specs[0].RespawnDelay.Std())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"name":"no-type"}]`), 0o644))
	_, err = loadSpecs(bad)
	assert.Error(t, err)
}

func TestStripDaemonFlag(t *testing.T) {
	got := stripDaemonFlag([]string{"run", "--daemon", "-c", "x.yaml", "--daemon=true"})
	assert.Equal(t, []string{"run", "-c", "x.yaml"}, got)
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "warlock.pid")

	require.NoError(t, writePidFile(path))
	pid, err := readPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, removePidFile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPidFileRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warlock.pid")
	// 父程序一定存活
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))

	err := writePidFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// 不屬於本程序的 pid 檔不會被移除
	require.NoError(t, removePidFile(path))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestStopWithoutSupervisor(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Port = 0
	cfg.Supervisor.PidFile = filepath.Join(t.TempDir(), "missing.pid")

	err := stopSupervisor(context.Background(), cfg, false, 0, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := renderStatus([]supervisor.TaskInfo{
		{ID: "clock", Type: "clock", Status: types.StatusRunning, Heartbeats: 12, Pid: 4242, StartAt: now.Add(-90 * time.Second), Subscriptions: []string{"a", "b"}},
		{ID: "t-9", Type: "command", Status: types.StatusError, Retries: 3, LastError: "retries exhausted after 3 attempts"},
		{ID: "edge", Type: "relay", Status: types.StatusStarting, Remote: true},
	}, now)

	for _, want := range []string{"3 task(s)", "clock", "running", "4242", "1m30s", "a,b", "t-9", "error", "retries exhausted", "agent"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, renderStatus(nil, now), "no tasks")
}

// freePort 取得一個暫時空閒的 TCP port
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Supervisor.Port = 0
	cfg.Supervisor.PollInterval = types.Duration(10 * time.Millisecond)
	cfg.Supervisor.PidFile = filepath.Join(dir, "warlock.pid")
	cfg.HTTP.Port = freePort(t)
	cfg.Control.Port = freePort(t)
	cfg.Journal.Path = filepath.Join(dir, "data", "warlock.journal")
	cfg.Snapshot.Path = filepath.Join(dir, "data", "warlock.snapshot.json")
	return cfg
}

func TestRunServesControlAndHTTPUntilStopped(t *testing.T) {
	cfg := testConfig(t)

	done := make(chan error, 1)
	go func() { done <- runSupervisor(context.Background(), cfg, nil) }()

	c, err := control.Dial(cfg.ControlAddr())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := c.Status(ctx)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	pid, err := readPidFile(cfg.Supervisor.PidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get("http://" + cfg.HTTPAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := c.Trigger(ctx, "nobody.listens", map[string]any{"x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, c.Stop(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	_, err = os.Stat(cfg.Supervisor.PidFile)
	assert.True(t, os.IsNotExist(err), "pid file should be removed")
	_, err = os.Stat(cfg.Snapshot.Path)
	assert.NoError(t, err, "final snapshot should be written")
}

func TestRunFailsWhenPortTaken(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", cfg.ControlAddr())
	require.NoError(t, err)
	defer ln.Close()

	err = runSupervisor(context.Background(), cfg, nil)
	assert.Error(t, err)
	_, statErr := os.Stat(cfg.Supervisor.PidFile)
	assert.True(t, os.IsNotExist(statErr))
}
