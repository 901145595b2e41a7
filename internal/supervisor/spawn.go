package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/internal/worker"
)

// Spawner launches local tasks as child processes of the running binary
// (`warlock worker`). The child talks to the supervisor over its stdin and
// stdout; stderr is inherited so worker logs reach the console.
//
// Remote tasks are not spawned: Launch returns no connection and the task
// waits in STARTING for its agent.
type Spawner struct {
	Executable        string   // defaults to os.Executable()
	Args              []string // defaults to ["worker"]
	Env               []string // extra environment
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Launch implements task.Launcher.
func (sp *Spawner) Launch(t *task.Task) (transport.Connection, task.Process, error) {
	spec := t.Spec()
	if spec.Remote {
		return nil, nil, nil
	}
	log := sp.Logger
	if log == nil {
		log = slog.Default()
	}

	exe := sp.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, nil, fmt.Errorf("spawn: locate executable: %w", err)
		}
	}
	args := sp.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: encode spec: %w", err)
	}

	// Own the pipes instead of cmd.StdoutPipe: Wait must not close the read
	// end before the final STATUS packet has been consumed.
	childIn, toChild, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	fromChild, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		toChild.Close()
		return nil, nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), sp.Env...)
	cmd.Env = append(cmd.Env,
		worker.EnvTaskID+"="+string(t.ID()),
		worker.EnvTask+"="+string(raw),
		worker.EnvHeartbeat+"="+sp.HeartbeatInterval.String(),
	)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{childIn, toChild, fromChild, childOut} {
			f.Close()
		}
		return nil, nil, fmt.Errorf("spawn %s: %w", spec.Type, err)
	}
	// the child holds its own copies now
	childIn.Close()
	childOut.Close()

	proc := &process{cmd: cmd, exited: make(chan struct{})}
	go proc.wait(log.With("task", string(t.ID()), "pid", cmd.Process.Pid))

	pipe := transport.NewPipe(string(t.ID()), fromChild, toChild)
	if err := pipe.Connect(context.Background()); err != nil {
		proc.Kill()
		return nil, nil, err
	}
	return pipe, proc, nil
}

// process wraps a spawned child. Wait runs in its own goroutine so exited
// children are always reaped.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func (p *process) wait(log *slog.Logger) {
	p.err = p.cmd.Wait()
	close(p.exited)
	if p.err != nil {
		log.Debug("worker exited", "error", p.err)
		return
	}
	log.Debug("worker exited")
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

// Terminate asks the child to exit (SIGTERM).
func (p *process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill stops the child immediately.
func (p *process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *process) signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
