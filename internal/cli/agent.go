package cli

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/internal/logging"
	"github.com/ChuLiYu/warlock/internal/worker"
	"github.com/ChuLiYu/warlock/pkg/types"
)

func buildAgentCommand(opts *rootOptions) *cobra.Command {
	var (
		connect   string
		path      string
		typ       string
		name      string
		id        string
		params    []string
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a task body as a remote agent",
		Long: `Connect to a supervisor's agent port over WebSocket and run a registered
worker type there. The supervisor creates the task on first contact, or
attaches to a queued remote task when --id matches its id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.initLogging(cfg); err != nil {
				return err
			}
			defer logging.Close()

			if connect == "" {
				connect = cfg.SupervisorAddr()
			}
			if path == "" {
				path = cfg.Supervisor.Path
			}
			if heartbeat <= 0 {
				heartbeat = cfg.Supervisor.HeartbeatInterval.Std()
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			err = worker.RunAgent(ctx, worker.AgentOptions{
				Addr:              connect,
				Path:              path,
				GUID:              id,
				Spec:              types.TaskSpec{Name: name, Type: typ, Params: p, Remote: true},
				HeartbeatInterval: heartbeat,
				Logger:            logging.For("agent"),
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&connect, "connect", "", "supervisor host:port (default from config)")
	cmd.Flags().StringVar(&path, "path", "", "upgrade path (default from config)")
	cmd.Flags().StringVar(&typ, "type", "", "worker type to run")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&id, "id", "", "agent id (CID); generated when empty")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "task parameter key=value (repeatable)")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "heartbeat interval (default from config)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// buildWorkerCommand is the entry point of spawned children. stdout carries
// the pipe protocol, so logging goes to stderr only.
func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a supervised task (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := os.Getenv("WARLOCK_LOG_LEVEL")
			if level == "" {
				level = "info"
			}
			if err := logging.Init(level, "", false); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			err := worker.RunChild(ctx, logging.For("worker"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
