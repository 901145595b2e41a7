package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/warlock/internal/supervisor"
	"github.com/ChuLiYu/warlock/pkg/types"
)

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervised task status",
		Long:  "List every task of the running supervisor with its status, retries and heartbeats",
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
			infos, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s: %w", cfg.ControlAddr(), err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(infos, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	cellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// statusColor 依狀態上色
func statusColor(s types.Status) lipgloss.Color {
	switch s {
	case types.StatusRunning, types.StatusSleep:
		return lipgloss.Color("#4CAF50")
	case types.StatusComplete:
		return lipgloss.Color("#8BC34A")
	case types.StatusError:
		return lipgloss.Color("#F44336")
	case types.StatusRetry, types.StatusRestart, types.StatusCancelled:
		return lipgloss.Color("#FFC107")
	default:
		return lipgloss.Color("#AAAAAA")
	}
}

// renderStatus draws the task table shown by `warlock status`.
func renderStatus(infos []supervisor.TaskInfo, now time.Time) string {
	title := titleStyle.Render(fmt.Sprintf("⬡ WARLOCK · %d task(s)", len(infos)))
	if len(infos) == 0 {
		return boxStyle.Render(title + "\n" + cellStyle.Render("no tasks"))
	}

	headers := []string{"ID", "TYPE", "STATUS", "RETRIES", "BEATS", "PID", "UPTIME", "EVENTS"}
	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		pid := "-"
		if in.Pid > 0 {
			pid = strconv.Itoa(in.Pid)
		}
		if in.Remote {
			pid = "agent"
		}
		uptime := "-"
		if !in.StartAt.IsZero() && in.Status.IsLive() {
			uptime = now.Sub(in.StartAt).Truncate(time.Second).String()
		}
		events := strings.Join(in.Subscriptions, ",")
		if events == "" {
			events = "-"
		}
		rows = append(rows, []string{
			string(in.ID), in.Type, in.Status.String(),
			strconv.Itoa(in.Retries), strconv.Itoa(in.Heartbeats), pid, uptime, events,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(s string, w int) string { return s + strings.Repeat(" ", w-lipgloss.Width(s)) }

	lines := []string{title, ""}
	var hdr []string
	for i, h := range headers {
		hdr = append(hdr, headerStyle.Render(pad(h, widths[i])))
	}
	lines = append(lines, strings.Join(hdr, "  "))
	for n, r := range rows {
		var cells []string
		for i, c := range r {
			style := cellStyle
			if i == 2 {
				style = lipgloss.NewStyle().Foreground(statusColor(infos[n].Status))
			}
			cells = append(cells, style.Render(pad(c, widths[i])))
		}
		lines = append(lines, strings.Join(cells, "  "))
		if msg := infos[n].LastError; msg != "" && infos[n].Status == types.StatusError {
			lines = append(lines, cellStyle.Render("  └─ "+msg))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
