package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/status"
)

const (
	colorError   = "#EF4444"
	colorWarning = "#F59E0B"
	colorOK      = "#10B981"
	colorMuted   = "#6B7280"
)

var (
	alertBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color(colorError)).
			Padding(0, 1)

	safeModeBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color(colorWarning)).
			Padding(0, 1)

	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorOK)).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show queue counts, flags, errors and worker liveness",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the summary as JSON",
			},
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := status.Summarize(ctx, a.sources())
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	color := term.IsTerminal(int(os.Stdout.Fd()))
	printBanner(sum, color)

	fmt.Println("\nQueues:")
	for _, q := range listedQueues {
		fmt.Printf("  %-14s %d\n", q, sum.Queues[string(q)])
	}

	fmt.Println("\nWorkers:")
	if len(sum.Workers) == 0 {
		fmt.Println("  NOT RUNNING")
	}
	for _, w := range sum.Workers {
		hb := w.Heartbeat
		switch w.Status {
		case heartbeat.StatusAlive:
			fmt.Printf("  %s ALIVE (PID %d, uptime %s, %d busy, %d finished)\n",
				hb.Owner, hb.PID, hb.Uptime, hb.Busy, hb.Finished)
		default:
			fmt.Printf("  %s STALE (PID %d, last heartbeat %s ago)\n",
				hb.Owner, hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
		}
	}

	fmt.Printf("\nErrors today: %d (last 24h: %d)\n", sum.Errors.Total, sum.Errors.Last24h)
	for _, c := range sum.Errors.Categories() {
		fmt.Printf("  %-14s %d\n", c, sum.Errors.ByCategory[c])
	}
	if len(sum.RateLimited) > 0 {
		fmt.Printf("\nRate limited: %s\n", strings.Join(sum.RateLimited, ", "))
	}
	return nil
}

func printBanner(sum *status.Summary, color bool) {
	render := func(st lipgloss.Style, s string) string {
		if !color {
			return s
		}
		return st.Render(s)
	}

	head := okStyle
	if sum.SystemStatus != status.SystemOperational {
		head = alertBanner
	}
	fmt.Println(render(head, "System: "+strings.ToUpper(sum.SystemStatus)))
	for _, f := range sum.Flags {
		if !f.Active {
			continue
		}
		st := alertBanner
		if f.Flag == status.FlagSafeMode {
			st = safeModeBanner
		}
		line := fmt.Sprintf("%s: %s", strings.ToUpper(string(f.Flag)), f.Reason)
		if f.Context != "" {
			line += " (" + f.Context + ")"
		}
		fmt.Println(render(st, line))
		if f.RaisedAt != nil {
			fmt.Println(render(mutedStyle, "  raised "+f.RaisedAt.Format(time.RFC3339)+", clear with `warden flags clear "+string(f.Flag)+"`"))
		}
	}
}

// NewFlagsCommand returns the flags subcommand.
func NewFlagsCommand() *cli.Command {
	return &cli.Command{
		Name:  "flags",
		Usage: "Inspect, raise and clear operator flags",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List flags",
				Action: runFlagsList,
			},
			{
				Name:      "raise",
				Usage:     "Raise a flag by hand",
				ArgsUsage: "<flag> <reason>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "context",
						Usage: "Where the problem was seen",
						Value: "operator",
					},
				},
				Action: runFlagsRaise,
			},
			{
				Name:      "clear",
				Usage:     "Clear a flag so workers resume",
				ArgsUsage: "<flag>",
				Action:    runFlagsClear,
			},
		},
		DefaultCommand: "list",
	}
}

func runFlagsList(_ context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, f := range a.flags.List() {
		if !f.Active {
			fmt.Printf("%-10s inactive\n", f.Flag)
			continue
		}
		fmt.Printf("%-10s ACTIVE  %s (%s)\n", f.Flag, f.Reason, f.Context)
	}
	return nil
}

func runFlagsRaise(_ context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: warden flags raise <flag> <reason>")
	}
	flag, err := status.ParseFlag(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.flags.Raise(flag, strings.Join(args[1:], " "), cmd.String("context")); err != nil {
		return fmt.Errorf("raise flag: %w", err)
	}
	fmt.Printf("Flag %s raised.\n", flag)
	return nil
}

func runFlagsClear(_ context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: warden flags clear <flag>")
	}
	flag, err := status.ParseFlag(name)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.flags.Clear(flag); err != nil {
		return fmt.Errorf("clear flag: %w", err)
	}
	fmt.Printf("Flag %s cleared.\n", flag)
	return nil
}

// NewBackupCommand returns the backup subcommand.
func NewBackupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Write a JSON snapshot of system state to Backups/",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			path, err := status.BackupState(ctx, a.vault, a.sources())
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Println(path)
			return nil
		},
	}
}
