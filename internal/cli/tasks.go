package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/pkg/types"
)

func buildQueueCommand(opts *rootOptions) *cobra.Command {
	var (
		file         string
		name         string
		params       []string
		respawn      bool
		respawnDelay time.Duration
		timeout      time.Duration
		remote       bool
	)

	cmd := &cobra.Command{
		Use:   "queue [TYPE]",
		Short: "Queue a dynamic task",
		Long: `Queue a task on the running supervisor. Either name a worker type with
flags, or pass --file with a JSON array of task specs:

  [{"name": "beat", "type": "clock", "params": {"interval": "5s"}, "respawn": true}]`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []types.TaskSpec
			switch {
			case file != "":
				loaded, err := loadSpecs(file)
				if err != nil {
					return err
				}
				specs = loaded
			case len(args) == 1:
				p, err := parseParams(params)
				if err != nil {
					return err
				}
				specs = []types.TaskSpec{{
					Name:         name,
					Type:         args[0],
					Params:       p,
					Respawn:      respawn,
					RespawnDelay: types.Duration(respawnDelay),
					Timeout:      types.Duration(timeout),
					Remote:       remote,
				}}
			default:
				return fmt.Errorf("a task type or --file is required")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := dialControl(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestContext(cmd.Context())
			defer cancel()
			queued := 0
			for _, spec := range specs {
				id, err := c.Queue(ctx, spec)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed to queue %s: %v\n", spec.Type, err)
					continue
				}
				queued++
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if queued != len(specs) {
				return fmt.Errorf("queued %d/%d tasks", queued, len(specs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing task specs")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "task parameter key=value (repeatable; JSON values allowed)")
	cmd.Flags().BoolVar(&respawn, "respawn", false, "restart the task when it ends")
	cmd.Flags().DurationVar(&respawnDelay, "respawn-delay", 0, "delay before a respawn")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the task after this long")
	cmd.Flags().BoolVar(&remote, "remote", false, "wait for an agent instead of spawning a worker")
	return cmd
}

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := dialControl(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestContext(cmd.Context())
			defer cancel()
			if err := c.Cancel(ctx, types.TaskID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func buildTriggerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger EVENT [JSON]",
		Short: "Trigger an event",
		Long:  "Fire EVENT with optional JSON data to every subscribed task and long-poll client",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if len(args) == 2 {
				data = parseValue(args[1])
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := dialControl(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestContext(cmd.Context())
			defer cancel()
			n, err := c.Trigger(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d subscriber(s)\n", n)
			return nil
		},
	}
}

// ============================================================================
// 參數解析
// ============================================================================

// loadSpecs 讀取 JSON 任務定義（陣列或單一物件）
func loadSpecs(path string) ([]types.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var specs []types.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		var one types.TaskSpec
		if err1 := json.Unmarshal(data, &one); err1 != nil {
			return nil, fmt.Errorf("failed to parse task file: %w", err)
		}
		specs = []types.TaskSpec{one}
	}
	for i, s := range specs {
		if s.Type == "" {
			return nil, fmt.Errorf("task %d in %s has no type", i, path)
		}
	}
	return specs, nil
}

// parseParams turns key=value pairs into a params map. Values that parse as
// JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", kv)
		}
		out[k] = parseValue(v)
	}
	return out, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
