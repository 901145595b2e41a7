package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/service"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// 內建任務本體
// ============================================================================
//
//   clock    每隔 interval（或依 cron）觸發 event，data = {"tick": n, "time": unix}
//   relay    訂閱 from，將資料原封不動以 to 重新觸發
//   command  執行一次外部指令，輸出以 LOG 轉給 supervisor；非零結束碼 → ERROR
//
// ============================================================================

func init() {
	Register("clock", newClock)
	Register("relay", newRelay)
	Register("command", newCommand)
}

// idle is how long a builtin body sleeps per iteration when it only reacts
// to schedules and events.
const idle = time.Second

// ----------------------------------------------------------------------------
// clock
// ----------------------------------------------------------------------------

type clock struct {
	event    string
	interval time.Duration
	cron     string
	ticks    int
}

func newClock(spec types.TaskSpec) (service.Body, error) {
	interval, err := paramDuration(spec.Params, "interval", time.Second)
	if err != nil {
		return nil, err
	}
	return &clock{
		event:    paramString(spec.Params, "event", "clock.tick"),
		interval: interval,
		cron:     paramString(spec.Params, "cron", ""),
	}, nil
}

func (c *clock) Init(s *service.Service) error {
	tick := func(any) error {
		c.ticks++
		return s.Trigger(c.event, map[string]any{"tick": c.ticks, "time": time.Now().Unix()}, false)
	}
	if c.cron != "" {
		_, err := s.Cron(c.cron, tick, nil)
		return err
	}
	_, err := s.Interval(c.interval, tick, nil)
	return err
}

func (c *clock) Run(s *service.Service) error { return s.Sleep(idle) }

// ----------------------------------------------------------------------------
// relay
// ----------------------------------------------------------------------------

type relay struct {
	from, to string
	filter   map[string]any
}

func newRelay(spec types.TaskSpec) (service.Body, error) {
	r := &relay{
		from: paramString(spec.Params, "from", ""),
		to:   paramString(spec.Params, "to", ""),
	}
	if r.from == "" || r.to == "" {
		return nil, fmt.Errorf("relay: params from and to are required")
	}
	if f, ok := spec.Params["filter"].(map[string]any); ok {
		r.filter = f
	}
	return r, nil
}

func (r *relay) Init(s *service.Service) error {
	return s.Subscribe(r.from, r.filter, func(s *service.Service, ev protocol.EventPayload) error {
		return s.Trigger(r.to, ev.Data, false)
	})
}

func (r *relay) Run(s *service.Service) error { return s.Sleep(idle) }

// ----------------------------------------------------------------------------
// command
// ----------------------------------------------------------------------------

type command struct {
	name    string
	args    []string
	cancel  context.CancelFunc
	started bool
}

func newCommand(spec types.TaskSpec) (service.Body, error) {
	name := paramString(spec.Params, "command", "")
	if name == "" {
		return nil, fmt.Errorf("command: param command is required")
	}
	c := &command{name: name}
	if raw, ok := spec.Params["args"].([]any); ok {
		for _, a := range raw {
			c.args = append(c.args, fmt.Sprint(a))
		}
	}
	return c, nil
}

// Run 啟動指令並在背景等待；每次迭代以 Sleep 維持心跳與取消
func (c *command) Run(s *service.Service) error {
	if c.started {
		return s.Sleep(idle)
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		cancel()
		s.Fail(err.Error())
		return err
	}
	go func() { done <- cmd.Wait() }()

	for s.Alive() {
		select {
		case err := <-done:
			cancel()
			for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
				if line != "" {
					s.Log("info", line)
				}
			}
			if err != nil {
				s.Fail(fmt.Sprintf("%s: %v", c.name, err))
				return nil
			}
			s.Complete()
			return nil
		default:
		}
		if err := s.Sleep(100 * time.Millisecond); err != nil {
			cancel()
			return err
		}
	}
	cancel()
	return nil
}

// Cancel 停止正在執行的指令
func (c *command) Cancel(s *service.Service, grace time.Duration) {
	if c.cancel != nil {
		c.cancel()
	}
}

// ============================================================================
// 參數輔助
// ============================================================================

func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// paramDuration accepts "5s" style strings or a number of seconds.
func paramDuration(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("param %s: unsupported value %v", key, v)
	}
}
