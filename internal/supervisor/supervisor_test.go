package supervisor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warlock/internal/journal"
	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/service"
	"github.com/ChuLiYu/warlock/internal/snapshot"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/internal/websocket"
	"github.com/ChuLiYu/warlock/internal/worker"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

const (
	waitFor = 3 * time.Second
	pollFor = 10 * time.Millisecond
)

// fakeProc stands in for an OS process around an in-process worker.
type fakeProc struct {
	stop       context.CancelFunc
	conn       transport.Connection
	terminated atomic.Int32
	killed     atomic.Int32
}

func (p *fakeProc) Pid() int { return 4242 }
func (p *fakeProc) Terminate() error {
	p.terminated.Add(1)
	p.stop()
	return nil
}
func (p *fakeProc) Kill() error {
	p.killed.Add(1)
	p.stop()
	p.conn.Disconnect()
	return nil
}

// inproc runs each task body as a service.Service goroutine over a pair of
// io.Pipe streams. Types listed in silent get a worker that never speaks.
type inproc struct {
	bodies map[string]service.Body
	silent map[string]bool

	mu       sync.Mutex
	launches map[string]int
	procs    []*fakeProc
}

func newInproc() *inproc {
	return &inproc{
		bodies:   make(map[string]service.Body),
		silent:   make(map[string]bool),
		launches: make(map[string]int),
	}
}

func (l *inproc) Launch(t *task.Task) (transport.Connection, task.Process, error) {
	l.mu.Lock()
	l.launches[t.Type()]++
	l.mu.Unlock()

	if t.Spec().Remote {
		return nil, nil, nil
	}
	body, ok := l.bodies[t.Type()]
	if !ok && !l.silent[t.Type()] {
		return nil, nil, errors.New("no such worker type: " + t.Type())
	}

	supR, wkW := io.Pipe()
	wkR, supW := io.Pipe()
	sup := transport.NewPipe(string(t.ID()), supR, supW)
	wk := transport.NewPipe(string(t.ID()), wkR, wkW)
	if err := sup.Connect(context.Background()); err != nil {
		return nil, nil, err
	}
	if err := wk.Connect(context.Background()); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProc{stop: cancel, conn: wk}
	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()

	if l.silent[t.Type()] {
		go func() {
			<-ctx.Done()
			wk.Disconnect()
		}()
		return sup, proc, nil
	}

	svc := service.New(wk, body, service.Options{
		ID:                t.ID(),
		Params:            t.Spec().Params,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	go func() {
		svc.Run(ctx)
		wk.Disconnect()
	}()
	return sup, proc, nil
}

func (l *inproc) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[typ]
}

func (l *inproc) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

func baseOptions(l task.Launcher) Options {
	return Options{
		Launcher:         l,
		PollInterval:     5 * time.Millisecond,
		CancelGrace:      500 * time.Millisecond,
		ErrorGrace:       time.Hour,
		HeartbeatTimeout: 0,
		Retry:            task.RetryPolicy{Delay: 10 * time.Millisecond, Backoff: 1, MaxRetries: 0},
	}
}

func start(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return s
}

func taskInfo(t *testing.T, s *Supervisor, id types.TaskID) (TaskInfo, bool) {
	t.Helper()
	info, err := s.Task(context.Background(), id)
	if errors.Is(err, task.ErrTaskNotFound) {
		return TaskInfo{}, false
	}
	require.NoError(t, err)
	return info, true
}

func statusIs(t *testing.T, s *Supervisor, id types.TaskID, want types.Status) func() bool {
	return func() bool {
		info, ok := taskInfo(t, s, id)
		return ok && info.Status == want
	}
}

func gone(t *testing.T, s *Supervisor, id types.TaskID) func() bool {
	return func() bool {
		_, ok := taskInfo(t, s, id)
		return !ok
	}
}

// forever sleeps in short slices until cancelled.
var forever = service.BodyFunc(func(s *service.Service) error {
	return s.Sleep(10 * time.Millisecond)
})

// ============================================================================
// 生命週期
// ============================================================================

func TestQueuedTaskRunsToCompletionAndIsRemoved(t *testing.T) {
	l := newInproc()
	l.bodies["once"] = service.BodyFunc(func(s *service.Service) error {
		s.Complete()
		return nil
	})
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "once"})
	require.NoError(t, err)

	require.Eventually(t, gone(t, s, id), waitFor, pollFor)
	assert.Equal(t, 1, l.count("once"))
}

func TestQueueRequiresType(t *testing.T) {
	s := start(t, baseOptions(newInproc()))
	_, err := s.Queue(context.Background(), types.TaskSpec{Name: "nameless"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestStaticTasksUseNameAsID(t *testing.T) {
	l := newInproc()
	l.bodies["loop"] = forever
	opts := baseOptions(l)
	opts.Tasks = []types.TaskSpec{
		{Name: "clock", Type: "loop"},
		{Name: "clock", Type: "loop"},
		{Type: "loop"},
	}
	s := start(t, opts)

	require.Eventually(t, func() bool {
		tasks, err := s.Tasks(context.Background())
		require.NoError(t, err)
		running := 0
		for _, info := range tasks {
			if info.Status == types.StatusRunning {
				running++
			}
		}
		return running == 3
	}, waitFor, pollFor)

	tasks, err := s.Tasks(context.Background())
	require.NoError(t, err)
	var ids []types.TaskID
	for _, info := range tasks {
		ids = append(ids, info.ID)
		assert.False(t, info.Dynamic)
	}
	assert.Equal(t, []types.TaskID{"clock", "clock-2", "loop"}, ids)
}

func TestRespawnRestartsCompletedTask(t *testing.T) {
	l := newInproc()
	l.bodies["blink"] = service.BodyFunc(func(s *service.Service) error {
		s.Complete()
		return nil
	})
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "blink", Respawn: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.count("blink") >= 3 }, waitFor, pollFor)
	_, ok := taskInfo(t, s, id)
	assert.True(t, ok, "respawning task stays registered")
}

func TestWorkerHeartbeatsAndSubscriptionsAreVisible(t *testing.T) {
	l := newInproc()
	l.bodies["listener"] = &subscriber{event: "jobs.done"}
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "listener"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := taskInfo(t, s, id)
		return ok && info.Heartbeats > 0 && len(info.Subscriptions) == 1
	}, waitFor, pollFor)

	info, _ := taskInfo(t, s, id)
	assert.Equal(t, []string{"jobs.done"}, info.Subscriptions)
	assert.Equal(t, 4242, info.Pid)
}

type subscriber struct {
	event string
	got   atomic.Int32
}

func (b *subscriber) Init(s *service.Service) error {
	return s.Subscribe(b.event, nil, func(*service.Service, protocol.EventPayload) error {
		b.got.Add(1)
		return nil
	})
}

func (b *subscriber) Run(s *service.Service) error { return s.Sleep(10 * time.Millisecond) }

// ============================================================================
// 事件
// ============================================================================

func TestWaitReceivesWorkerTrigger(t *testing.T) {
	l := newInproc()
	l.bodies["ticker"] = service.BodyFunc(func(s *service.Service) error {
		if err := s.Trigger("tick", map[string]any{"n": 1}, false); err != nil {
			return err
		}
		return s.Sleep(10 * time.Millisecond)
	})
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "ticker"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	d, err := s.Wait(ctx, "tick", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "tick", d.Event)
	assert.Equal(t, string(id), d.Source)
	assert.Equal(t, map[string]any{"n": float64(1)}, d.Data)
}

func TestWaitTimesOut(t *testing.T) {
	s := start(t, baseOptions(newInproc()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx, "never", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPITriggerReachesSubscribedWorker(t *testing.T) {
	l := newInproc()
	body := &subscriber{event: "ping"}
	l.bodies["listener"] = body
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "listener"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := taskInfo(t, s, id)
		return ok && len(info.Subscriptions) == 1
	}, waitFor, pollFor)

	n, err := s.Trigger(context.Background(), "ping", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return body.got.Load() == 1 }, waitFor, pollFor)

	n, err = s.Trigger(context.Background(), "nobody-listens", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerCanQueueTasks(t *testing.T) {
	l := newInproc()
	l.bodies["once"] = service.BodyFunc(func(s *service.Service) error {
		s.Complete()
		return nil
	})
	l.bodies["parent"] = service.BodyFunc(func(s *service.Service) error {
		if err := s.Send(CommandQueue, types.TaskSpec{Type: "once"}); err != nil {
			return err
		}
		s.Complete()
		return nil
	})
	s := start(t, baseOptions(l))

	_, err := s.Queue(context.Background(), types.TaskSpec{Type: "parent"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.count("once") == 1 }, waitFor, pollFor)
}

// ============================================================================
// 取消、重試、回收
// ============================================================================

func TestCancelCompletesRunningTask(t *testing.T) {
	l := newInproc()
	l.bodies["loop"] = forever
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "loop", Respawn: true})
	require.NoError(t, err)
	require.Eventually(t, statusIs(t, s, id, types.StatusRunning), waitFor, pollFor)

	require.NoError(t, s.Cancel(context.Background(), id))
	require.Eventually(t, gone(t, s, id), waitFor, pollFor)
	assert.Equal(t, 1, l.count("loop"), "cancelled task is not respawned")
}

func TestCancelUnknownTask(t *testing.T) {
	s := start(t, baseOptions(newInproc()))
	err := s.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestIgnoredCancelIsReapedAfterGrace(t *testing.T) {
	l := newInproc()
	l.silent["mute"] = true
	opts := baseOptions(l)
	opts.CancelGrace = 30 * time.Millisecond
	s := start(t, opts)

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "mute"})
	require.NoError(t, err)
	require.Eventually(t, statusIs(t, s, id, types.StatusRunning), waitFor, pollFor)

	require.NoError(t, s.Cancel(context.Background(), id))
	require.Eventually(t, gone(t, s, id), waitFor, pollFor)
	assert.Equal(t, int32(1), l.proc(0).killed.Load())
}

func TestLaunchFailureIsRetriedWithinPolicy(t *testing.T) {
	l := newInproc()
	opts := baseOptions(l)
	opts.Retry = task.RetryPolicy{Delay: 10 * time.Millisecond, Backoff: 1, MaxRetries: 2}
	opts.ErrorGrace = 20 * time.Millisecond
	s := start(t, opts)

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "missing"})
	require.NoError(t, err)

	require.Eventually(t, gone(t, s, id), waitFor, pollFor)
	assert.Equal(t, 3, l.count("missing"), "first launch plus two retries")
}

func TestWorkerRequestedRetryHonoursLimit(t *testing.T) {
	l := newInproc()
	l.bodies["flaky"] = service.BodyFunc(func(s *service.Service) error {
		s.Retry("not yet")
		return nil
	})
	opts := baseOptions(l)
	opts.Retry = task.RetryPolicy{Delay: 5 * time.Millisecond, Backoff: 1, MaxRetries: 2}
	s := start(t, opts)

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "flaky"})
	require.NoError(t, err)

	require.Eventually(t, statusIs(t, s, id, types.StatusError), waitFor, pollFor)
	info, _ := taskInfo(t, s, id)
	assert.Equal(t, 3, l.count("flaky"))
	assert.Contains(t, info.LastError, "retries exhausted")
}

func TestSilentWorkerFailsOnHeartbeatTimeout(t *testing.T) {
	l := newInproc()
	l.silent["mute"] = true
	opts := baseOptions(l)
	opts.HeartbeatTimeout = 50 * time.Millisecond
	s := start(t, opts)

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "mute"})
	require.NoError(t, err)

	require.Eventually(t, statusIs(t, s, id, types.StatusError), waitFor, pollFor)
	info, _ := taskInfo(t, s, id)
	assert.Contains(t, info.LastError, "no heartbeat")
	assert.Equal(t, int32(1), l.proc(0).terminated.Load())
}

func TestTimeoutCancelsTask(t *testing.T) {
	l := newInproc()
	l.bodies["loop"] = forever
	s := start(t, baseOptions(l))

	id, err := s.Queue(context.Background(), types.TaskSpec{Type: "loop", Timeout: types.Duration(50 * time.Millisecond)})
	require.NoError(t, err)
	require.Eventually(t, gone(t, s, id), waitFor, pollFor)
}

// ============================================================================
// 持久化
// ============================================================================

func TestRestoreFromSnapshotAndJournal(t *testing.T) {
	dir := t.TempDir()
	jpath := filepath.Join(dir, "warlock.journal")
	spath := filepath.Join(dir, "warlock.snapshot.json")

	open := func() *journal.Journal {
		j, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
		require.NoError(t, err)
		return j
	}

	// first run: two remote tasks, one cancelled
	j1 := open()
	opts := baseOptions(newInproc())
	opts.Journal = j1
	opts.Snapshots = snapshot.NewManager(spath)
	s1 := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go s1.Run(ctx)

	keep, err := s1.Queue(context.Background(), types.TaskSpec{Name: "keep", Type: "probe", Remote: true})
	require.NoError(t, err)
	drop, err := s1.Queue(context.Background(), types.TaskSpec{Name: "drop", Type: "probe", Remote: true})
	require.NoError(t, err)
	require.NoError(t, s1.Cancel(context.Background(), drop))

	cancel()
	<-s1.Done()
	require.NoError(t, j1.Close())

	// second run restores "keep" only, next to the static task
	j2 := open()
	defer j2.Close()
	opts = baseOptions(newInproc())
	opts.Journal = j2
	opts.Snapshots = snapshot.NewManager(spath)
	opts.Tasks = []types.TaskSpec{{Name: "static", Type: "probe", Remote: true}}
	s2 := start(t, opts)

	tasks, err := s2.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, keep, tasks[0].ID)
	assert.True(t, tasks[0].Dynamic)
	assert.Equal(t, types.TaskID("static"), tasks[1].ID)
}

func TestRestoreFromJournalOnly(t *testing.T) {
	dir := t.TempDir()
	jpath := filepath.Join(dir, "warlock.journal")

	j1, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	opts := baseOptions(newInproc())
	opts.Journal = j1
	s1 := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go s1.Run(ctx)

	id, err := s1.Queue(context.Background(), types.TaskSpec{Type: "probe", Remote: true})
	require.NoError(t, err)
	cancel()
	<-s1.Done()
	require.NoError(t, j1.Close())

	j2, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer j2.Close()
	opts = baseOptions(newInproc())
	opts.Journal = j2
	s2 := start(t, opts)

	info, ok := taskInfo(t, s2, id)
	require.True(t, ok)
	assert.Equal(t, "probe", info.Type)
}

// slowCancel acknowledges a cancel only after a delay.
type slowCancel struct{ service.Body }

func (slowCancel) Cancel(*service.Service, time.Duration) { time.Sleep(150 * time.Millisecond) }

func TestCancelledTasksAreNotRestoredAfterStop(t *testing.T) {
	dir := t.TempDir()
	jpath := filepath.Join(dir, "warlock.journal")
	spath := filepath.Join(dir, "warlock.snapshot.json")

	launcher := func() *inproc {
		l := newInproc()
		l.bodies["slow"] = slowCancel{forever}
		l.bodies["loop"] = forever
		l.silent["mute"] = true
		return l
	}

	// first run: cancel two tasks and stop before either has settled
	j1, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	opts := baseOptions(launcher())
	opts.Journal = j1
	opts.Snapshots = snapshot.NewManager(spath)
	s1 := New(opts)
	go s1.Run(context.Background())

	slow, err := s1.Queue(context.Background(), types.TaskSpec{Type: "slow"})
	require.NoError(t, err)
	mute, err := s1.Queue(context.Background(), types.TaskSpec{Type: "mute"})
	require.NoError(t, err)
	keep, err := s1.Queue(context.Background(), types.TaskSpec{Type: "loop"})
	require.NoError(t, err)
	for _, id := range []types.TaskID{slow, mute, keep} {
		require.Eventually(t, statusIs(t, s1, id, types.StatusRunning), waitFor, pollFor)
	}

	require.NoError(t, s1.Cancel(context.Background(), slow))
	require.NoError(t, s1.Cancel(context.Background(), mute))
	s1.Stop()
	<-s1.Done()
	require.NoError(t, j1.Close())

	// second run: only the task interrupted by the stop comes back
	j2, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	t.Cleanup(func() { j2.Close() })
	l2 := launcher()
	opts = baseOptions(l2)
	opts.Journal = j2
	opts.Snapshots = snapshot.NewManager(spath)
	s2 := start(t, opts)

	require.Eventually(t, statusIs(t, s2, keep, types.StatusRunning), waitFor, pollFor)
	_, ok := taskInfo(t, s2, slow)
	assert.False(t, ok, "task cancelled through the API must stay cancelled")
	_, ok = taskInfo(t, s2, mute)
	assert.False(t, ok, "unacknowledged cancel must not survive the restart")
	assert.Zero(t, l2.count("slow"))
	assert.Zero(t, l2.count("mute"))
}

func TestJournalSeqContinuesAfterSnapshotRestart(t *testing.T) {
	dir := t.TempDir()
	jpath := filepath.Join(dir, "warlock.journal")
	spath := filepath.Join(dir, "warlock.snapshot.json")

	open := func() *journal.Journal {
		j, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
		require.NoError(t, err)
		return j
	}
	run := func(j *journal.Journal) Options {
		opts := baseOptions(newInproc())
		opts.Journal = j
		opts.Snapshots = snapshot.NewManager(spath)
		return opts
	}

	// first run stops cleanly: final snapshot, then the journal is rotated
	j1 := open()
	s1 := New(run(j1))
	go s1.Run(context.Background())
	var early []types.TaskID
	for i := 0; i < 3; i++ {
		id, err := s1.Queue(context.Background(), types.TaskSpec{Type: "probe", Remote: true})
		require.NoError(t, err)
		early = append(early, id)
	}
	s1.Stop()
	<-s1.Done()
	snapSeq := j1.LastSeq()
	require.NoError(t, j1.Close())

	// second run queues one more task and never shuts down (crash)
	j2 := open()
	t.Cleanup(func() { j2.Close() })
	s2 := start(t, run(j2))
	late, err := s2.Queue(context.Background(), types.TaskSpec{Type: "probe", Remote: true})
	require.NoError(t, err)
	assert.Greater(t, j2.LastSeq(), snapSeq)

	// third run sees the snapshot of run one plus the journal of run two
	j3 := open()
	t.Cleanup(func() { j3.Close() })
	s3 := start(t, run(j3))

	for _, id := range append(early, late) {
		_, ok := taskInfo(t, s3, id)
		assert.True(t, ok, "task %s must be restored", id)
	}
}

// ============================================================================
// 遠端 agent
// ============================================================================

func TestAgentAttachesOverSocket(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0", websocket.ServerConfig{Path: "/warlock"}, nil)
	require.NoError(t, err)

	opts := baseOptions(newInproc())
	opts.Listener = ln
	s := start(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	sock, err := transport.Dial(ctx, transport.DialConfig{
		Addr:    ln.Addr().String(),
		Path:    "/warlock",
		GUID:    "agent-1",
		Headers: http.Header{worker.HeaderType: []string{"echo"}},
	})
	require.NoError(t, err)

	body := service.BodyFunc(func(svc *service.Service) error { return svc.Sleep(10 * time.Millisecond) })
	svc := service.New(sock, echoBody{body}, service.Options{ID: "agent-1", HeartbeatInterval: 20 * time.Millisecond})
	agentCtx, stopAgent := context.WithCancel(context.Background())
	defer stopAgent()
	go svc.Run(agentCtx)

	require.Eventually(t, func() bool {
		info, ok := taskInfo(t, s, "agent-1")
		return ok && info.Status == types.StatusRunning && len(info.Subscriptions) == 1
	}, waitFor, pollFor)

	info, _ := taskInfo(t, s, "agent-1")
	assert.True(t, info.Remote)
	assert.Equal(t, "echo", info.Type)

	got := make(chan string, 1)
	go func() {
		d, err := s.Wait(ctx, "pong", nil)
		if err == nil {
			got <- d.Data.(string)
		}
	}()
	require.Eventually(t, func() bool {
		s.Trigger(context.Background(), "ping", "hi")
		select {
		case v := <-got:
			return v == "hi"
		default:
			return false
		}
	}, waitFor, 20*time.Millisecond)
}

func TestAgentWithoutTypeIsRejected(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0", websocket.ServerConfig{Path: "/warlock"}, nil)
	require.NoError(t, err)
	opts := baseOptions(newInproc())
	opts.Listener = ln
	s := start(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	sock, err := transport.Dial(ctx, transport.DialConfig{Addr: ln.Addr().String(), Path: "/warlock", GUID: "stranger"})
	require.NoError(t, err)
	defer sock.Disconnect()

	pkt, err := sock.Recv(waitFor)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, protocol.KindError, pkt.Kind())

	_, ok := taskInfo(t, s, "stranger")
	assert.False(t, ok)
}

// echoBody re-triggers every ping as a pong.
type echoBody struct{ service.Body }

func (b echoBody) Init(s *service.Service) error {
	return s.Subscribe("ping", nil, func(s *service.Service, ev protocol.EventPayload) error {
		return s.Trigger("pong", ev.Data, false)
	})
}
