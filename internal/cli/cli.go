// ============================================================================
// Warlock CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the warlock command line based on the Cobra framework
//
// Command Structure:
//   warlock                        # Root command
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env NAME                 # Load .env and .env.NAME
//   ├── --silent                   # No console logging
//   ├── run                        # Start the supervisor
//   │   └── --daemon               # Detach and run in the background
//   ├── stop                       # Stop a running supervisor
//   │   ├── --force                # SIGKILL instead of a graceful stop
//   │   └── --pid                  # Signal this pid instead of the pid file
//   ├── restart                    # stop, then run --daemon
//   ├── status                     # List supervised tasks
//   ├── queue TYPE                 # Add a dynamic task (or --file specs.json)
//   ├── cancel ID                  # Cancel a task
//   ├── trigger EVENT [JSON]       # Fire an event
//   ├── agent                      # Run a task body as a remote agent
//   └── worker                     # (hidden) child process entry point
//
// run Command:
//   1. Load .env files and config
//   2. Initialise logging and tracing
//   3. Write the pid file (refuses to start when another supervisor is alive)
//   4. Bind the agent, HTTP and control listeners
//   5. Run the supervisor until SIGINT / SIGTERM or a control-plane Stop
//   6. Final snapshot, journal flush, remove pid file
//
//   Examples:
//     warlock run
//     warlock run -c custom.yaml --env production --daemon
//
// stop Command:
//   Asks the supervisor over the control plane first; if it cannot be reached
//   the pid file (or --pid) is sent SIGTERM. --force sends SIGKILL.
//
// Error Handling:
//   Any failure to load config, bind or connect returns an error; main exits
//   non-zero with the message.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/internal/config"
	"github.com/ChuLiYu/warlock/internal/control"
	"github.com/ChuLiYu/warlock/internal/logging"
)

// DefaultConfigFile is used when --config is not given. A missing default
// file is not an error; built-in defaults apply.
const DefaultConfigFile = "configs/default.yaml"

// Version is overridden at build time with -ldflags "-X".
var Version = "1.0.0"

// rootOptions 所有子命令共用的旗標
type rootOptions struct {
	configFile string
	envName    string
	silent     bool
}

// BuildCLI builds the warlock command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "warlock",
		Short: "Warlock: a real-time task and process broker",
		Long: `Warlock supervises background worker processes and remote agents:
- framed command protocol over pipes and WebSocket
- per-worker delay / interval / cron scheduling
- publish/subscribe events with HTTP long-poll
- journaled, snapshot-restored dynamic tasks`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envName, "env", "", "load .env and .env.<name> before the config")
	rootCmd.PersistentFlags().BoolVar(&opts.silent, "silent", false, "disable console logging")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStopCommand(opts))
	rootCmd.AddCommand(buildRestartCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildQueueCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildTriggerCommand(opts))
	rootCmd.AddCommand(buildAgentCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// ============================================================================
// 共用輔助
// ============================================================================

// loadConfig 載入 .env 與設定檔
//
// 沒有指定 --config 且預設檔不存在時只使用內建預設值
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.envName != "" || fileExists(".env") {
		if _, err := config.LoadEnv(".", o.envName); err != nil {
			return nil, fmt.Errorf("failed to load env: %w", err)
		}
	}

	path := o.configFile
	if path == DefaultConfigFile && !fileExists(path) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initLogging 依設定初始化 slog
func (o *rootOptions) initLogging(cfg *config.Config) error {
	return logging.Init(cfg.Log.Level, cfg.Log.File, o.silent)
}

// dialControl 連到設定中的控制平面
func dialControl(cfg *config.Config) (*control.Client, error) {
	if cfg.Control.Port == 0 {
		return nil, errors.New("control plane is disabled (control.port is 0)")
	}
	c, err := control.Dial(cfg.ControlAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.ControlAddr(), err)
	}
	return c, nil
}

// requestTimeout bounds one control-plane call from the CLI.
const requestTimeout = 10 * time.Second

func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}

// signalContext 在 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// cliLogger 讓短命令的輸出也走 slog
func cliLogger() *slog.Logger { return logging.For("cli") }
