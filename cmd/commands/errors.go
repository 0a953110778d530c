package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/recovery"
)

// NewErrorsCommand returns the errors subcommand.
func NewErrorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "errors",
		Usage: "Report and inspect classified errors",
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Error counts for today by category and severity",
				Action: runErrorsStats,
			},
			{
				Name:  "report",
				Usage: "Markdown report of recent errors",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of recent events",
						Value: 20,
					},
				},
				Action: runErrorsReport,
			},
			{
				Name:      "raise",
				Usage:     "Classify an external failure and run its recovery handler",
				ArgsUsage: "<context> <message>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Usage: "Error type name reported by the producer",
					},
					&cli.StringFlag{
						Name:  "artifact",
						Usage: "File to quarantine if the error is a data error",
					},
					&cli.StringFlag{
						Name:  "subsystem",
						Usage: "Subsystem to restart if the error is a system error (defaults to context)",
					},
				},
				Action: runErrorsRaise,
			},
		},
		DefaultCommand: "stats",
	}
}

func runErrorsStats(_ context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.errors.Stats()
	if err != nil {
		return fmt.Errorf("error stats: %w", err)
	}

	fmt.Printf("Day: %s  total: %d  last 24h: %d\n\n", st.Day, st.Total, st.Last24h)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tSEVERITY\tCOUNT")
	for _, c := range st.Categories() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c, c.Severity(), st.ByCategory[c])
	}
	return w.Flush()
}

func runErrorsReport(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.errors.Stats()
	if err != nil {
		return fmt.Errorf("error stats: %w", err)
	}
	recent, err := a.errors.Recent(int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("recent errors: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Error Report %s\n\n", st.Day)
	fmt.Fprintf(&b, "- Total today: %d\n- Last 24 hours: %d\n", st.Total, st.Last24h)
	if limited, err := a.limiter.Limited(ctx); err == nil && len(limited) > 0 {
		fmt.Fprintf(&b, "- Rate limited: %s\n", strings.Join(limited, ", "))
	}

	b.WriteString("\n## By category\n\n")
	for _, c := range st.Categories() {
		fmt.Fprintf(&b, "- %s: %d\n", c, st.ByCategory[c])
	}

	b.WriteString("\n## Recent errors\n\n")
	if len(recent) == 0 {
		b.WriteString("None.\n")
	}
	for _, e := range recent {
		fmt.Fprintf(&b, "- `%s` **%s/%s** %s: %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Category, e.Severity, e.Context, e.Message)
		if e.Outcome != "" {
			fmt.Fprintf(&b, " → %s", e.Outcome)
		}
		b.WriteString("\n")
	}

	fmt.Print(b.String())
	return nil
}

func runErrorsRaise(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: warden errors raise <context> <message>")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []recovery.Option
	if p := cmd.String("artifact"); p != "" {
		opts = append(opts, recovery.WithArtifact(p))
	}
	if s := cmd.String("subsystem"); s != "" {
		opts = append(opts, recovery.WithSubsystem(s))
	}

	failure := &recovery.External{Type: cmd.String("type"), Message: strings.Join(args[1:], " ")}
	a.router.Recover(ctx, failure, args[0], opts...)

	recent, err := a.errors.Recent(1)
	if err != nil || len(recent) == 0 {
		return nil
	}
	e := recent[0]
	fmt.Printf("Classified as %s (%s), outcome: %s\n", e.Category, e.Severity, e.Outcome)
	return nil
}

// NewDegradeCommand returns the degrade subcommand.
func NewDegradeCommand() *cli.Command {
	return &cli.Command{
		Name:      "degrade",
		Usage:     "Record a degraded service and print its fallback actions",
		ArgsUsage: "<service> <reason>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) < 2 {
				return fmt.Errorf("usage: warden degrade <service> <reason>")
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			alts, err := a.degrader.Degrade(args[0], strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("degrade: %w", err)
			}
			fmt.Printf("%s degraded. Fallback actions:\n", args[0])
			for _, alt := range alts {
				fmt.Printf("  - %s\n", alt)
			}
			return nil
		},
	}
}
