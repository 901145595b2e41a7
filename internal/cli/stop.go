package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/internal/config"
)

// ErrNotRunning 找不到執行中的 supervisor
var ErrNotRunning = errors.New("warlock is not running")

// stopWait bounds how long stop waits for the process to exit.
const stopWait = 30 * time.Second

func buildStopCommand(opts *rootOptions) *cobra.Command {
	var force bool
	var pid int

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running supervisor",
		Long:  "Ask the supervisor to shut down over the control plane, falling back to SIGTERM (SIGKILL with --force)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return stopSupervisor(cmd.Context(), cfg, force, pid, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "kill immediately with SIGKILL")
	cmd.Flags().IntVar(&pid, "pid", 0, "signal this pid instead of the one in the pid file")
	return cmd
}

func buildRestartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the supervisor in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := stopSupervisor(cmd.Context(), cfg, false, 0, cmd.OutOrStdout()); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			pid, err := detach(append([]string{"run"}, opts.args()...))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "warlock restarted (pid %d)\n", pid)
			return nil
		},
	}
}

/*
stopSupervisor 停止 supervisor

 1. 沒有 --pid / --force 時先走控制平面 Stop（優雅關閉，會寫最終快照）
 2. 控制平面無法連線時改送訊號給 pid 檔中的程序
 3. 等待程序結束
*/
func stopSupervisor(ctx context.Context, cfg *config.Config, force bool, pid int, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if pid == 0 && !force && cfg.Control.Port > 0 {
		err := stopOverControl(ctx, cfg)
		if err == nil {
			fmt.Fprintln(out, "stop requested")
			if p, perr := readPidFile(cfg.Supervisor.PidFile); perr == nil {
				return waitExit(p, stopWait)
			}
			return nil
		}
		cliLogger().Debug("control plane unreachable, falling back to signal", "error", err)
	}

	if pid == 0 {
		p, err := readPidFile(cfg.Supervisor.PidFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotRunning
			}
			return err
		}
		pid = p
	}
	if !processAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrNotRunning, pid)
	}
	if err := signalProcess(pid, force); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	fmt.Fprintf(out, "signalled pid %d\n", pid)
	return waitExit(pid, stopWait)
}

func stopOverControl(ctx context.Context, cfg *config.Config) error {
	c, err := dialControl(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.Stop(rctx)
}

// waitExit polls until pid is gone or timeout passes.
func waitExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("pid %d still running after %s", pid, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// args rebuilds the persistent flags for a re-executed child.
func (o *rootOptions) args() []string {
	out := []string{"--config", o.configFile}
	if o.envName != "" {
		out = append(out, "--env", o.envName)
	}
	if o.silent {
		out = append(out, "--silent")
	}
	return out
}

// stripDaemonFlag removes --daemon so the detached child runs in the
// foreground of its own session.
func stripDaemonFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemon" || a == "--daemon=true" || a == "--daemon=false" {
			continue
		}
		out = append(out, a)
	}
	return out
}
