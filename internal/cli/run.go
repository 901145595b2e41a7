package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/internal/config"
	"github.com/ChuLiYu/warlock/internal/control"
	"github.com/ChuLiYu/warlock/internal/httpapi"
	"github.com/ChuLiYu/warlock/internal/journal"
	"github.com/ChuLiYu/warlock/internal/logging"
	"github.com/ChuLiYu/warlock/internal/metrics"
	"github.com/ChuLiYu/warlock/internal/snapshot"
	"github.com/ChuLiYu/warlock/internal/supervisor"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/internal/telemetry"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/internal/websocket"
)

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Warlock supervisor",
		Long:  "Start the supervisor, its agent listener, HTTP endpoints and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if daemon {
				pid, err := detach(os.Args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "warlock started in background (pid %d)\n", pid)
				return nil
			}
			if err := opts.initLogging(cfg); err != nil {
				return err
			}
			defer logging.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runSupervisor(ctx, cfg, nil)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "run in the background")
	return cmd
}

// instance 一個執行中的 supervisor 與它的所有監聽
type instance struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	journal *journal.Journal
	agents  *transport.Listener
	httpLn  net.Listener
	ctrlLn  net.Listener
	log     *slog.Logger
}

/*
newInstance 依設定建立 supervisor 並綁定所有監聽位址

任何綁定失敗都會關閉已開啟的資源並回傳錯誤，讓 run 以非零結束
*/
func newInstance(cfg *config.Config, launcher task.Launcher) (_ *instance, err error) {
	inst := &instance{cfg: cfg, log: logging.For("warlock")}
	defer func() {
		if err != nil {
			inst.close()
		}
	}()

	if cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
		inst.journal, err = journal.Open(cfg.Journal.Path, journal.Options{SyncOnAppend: cfg.Journal.SyncOnAppend})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	var snaps *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Snapshot.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
		snaps = snapshot.NewManager(cfg.Snapshot.Path)
	}

	if cfg.Supervisor.Port > 0 {
		inst.agents, err = transport.Listen(cfg.SupervisorAddr(), websocket.ServerConfig{
			Path:           cfg.Supervisor.Path,
			AllowedOrigins: cfg.Supervisor.AllowedOrigins,
		}, logging.For("transport"))
		if err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.Enabled {
		if inst.httpLn, err = net.Listen("tcp", cfg.HTTPAddr()); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr(), err)
		}
	}
	if cfg.Control.Port > 0 {
		if inst.ctrlLn, err = net.Listen("tcp", cfg.ControlAddr()); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddr(), err)
		}
	}

	s := cfg.Supervisor
	inst.sup = supervisor.New(supervisor.Options{
		Launcher:          launcher,
		Listener:          inst.agents,
		HeartbeatInterval: s.HeartbeatInterval.Std(),
		HeartbeatTimeout:  s.HeartbeatTimeout.Std(),
		PollInterval:      s.PollInterval.Std(),
		CancelGrace:       s.CancelGrace.Std(),
		Retry: task.RetryPolicy{
			Delay:      s.Retry.Delay.Std(),
			Backoff:    s.Retry.Backoff,
			MaxDelay:   s.Retry.MaxDelay.Std(),
			MaxRetries: s.Retry.MaxRetries,
		},
		Journal:          inst.journal,
		Snapshots:        snaps,
		SnapshotInterval: cfg.Snapshot.Interval.Std(),
		SnapshotKeep:     cfg.Snapshot.Keep,
		Metrics:          metrics.NewCollector(),
		Tasks:            cfg.Tasks,
		Logger:           logging.For("supervisor"),
	})
	return inst, nil
}

// close 釋放尚未交給 server 的資源
func (i *instance) close() {
	if i.agents != nil {
		i.agents.Close()
	}
	if i.httpLn != nil {
		i.httpLn.Close()
	}
	if i.ctrlLn != nil {
		i.ctrlLn.Close()
	}
	if i.journal != nil {
		if err := i.journal.Close(); err != nil {
			i.log.Warn("journal close failed", "error", err)
		}
	}
}

// run 阻塞直到 supervisor 結束（ctx 取消或控制平面 Stop）
func (i *instance) run(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if i.httpLn != nil {
		h := httpapi.NewHandler(i.sup, httpapi.Options{
			LongPollTimeout: i.cfg.HTTP.LongPollTimeout.Std(),
			Metrics:         i.sup.Metrics().Handler(),
			Logger:          logging.For("http"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpapi.Serve(srvCtx, i.httpLn, h); err != nil {
				i.log.Error("http server failed", "error", err)
			}
		}()
		i.log.Info("http listening", "addr", i.httpLn.Addr().String())
	}
	if i.ctrlLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := control.Serve(srvCtx, i.ctrlLn, i.sup, logging.For("control")); err != nil {
				i.log.Error("control server failed", "error", err)
			}
		}()
		i.log.Info("control plane listening", "addr", i.ctrlLn.Addr().String())
	}
	if path := i.cfg.Path(); path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.NewWatcher(path, config.ApplyLogLevel).Run(srvCtx); err != nil {
				i.log.Warn("config watch disabled", "error", err)
			}
		}()
	}

	err := i.sup.Run(ctx)
	if i.journal != nil {
		if cerr := i.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
		i.journal = nil
	}
	return err
}

/*
runSupervisor 是 run 指令的主體

流程：
 1. tracing（若啟用）
 2. pid 檔：已有存活的 supervisor 時拒絕啟動
 3. newInstance 綁定所有位址
 4. instance.run 直到結束
*/
func runSupervisor(ctx context.Context, cfg *config.Config, launcher task.Launcher) error {
	log := logging.For("warlock")

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Setup("warlock", cfg.Tracing.File)
		if err != nil {
			return fmt.Errorf("failed to setup tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	if pidFile := cfg.Supervisor.PidFile; pidFile != "" {
		if err := writePidFile(pidFile); err != nil {
			return err
		}
		defer func() {
			if err := removePidFile(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("pid file cleanup failed", "path", pidFile, "error", err)
			}
		}()
	}

	inst, err := newInstance(cfg, launcher)
	if err != nil {
		return err
	}

	log.Info("warlock started", "pid", os.Getpid(), "config", cfg.Path())
	if err := inst.run(ctx); err != nil {
		return err
	}
	log.Info("warlock stopped")
	return nil
}
