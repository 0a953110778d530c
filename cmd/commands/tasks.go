package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
)

// NewCreateTaskCommand returns the create-task subcommand.
func NewCreateTaskCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-task",
		Usage:     "Create a pending task",
		ArgsUsage: "<description> [steps...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "plan",
				Usage: "Markdown plan file to extract steps from",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "low | medium | high",
				Value: string(tasks.PriorityMedium),
			},
			&cli.IntFlag{
				Name:  "max-iterations",
				Usage: "Iteration budget (0 = config default)",
			},
		},
		Action: runCreateTask,
	}
}

func runCreateTask(_ context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("usage: warden create-task <description> [steps...]")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	steps := args[1:]
	if path := cmd.String("plan"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		steps = append(steps, tasks.ParseSteps(string(data))...)
	}

	t, err := a.store.Create(args[0], steps, tasks.TaskPriority(cmd.String("priority")), int(cmd.Int("max-iterations")))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Println(t.ID)
	return nil
}

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Claim a task and drive it until it completes or exhausts its budget",
		ArgsUsage: "<task-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-iterations",
				Usage: "Override the task's iteration budget",
			},
			&cli.StringFlag{
				Name:  "exec",
				Usage: "Shell script run once per iteration (defaults to worker.exec)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Take over an in-progress task even if its owner is still running",
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: warden run <task-id>")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, q, err := a.store.Get(id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	// Beat for as long as this run holds the claim, so pools leave it alone.
	owner := "cli-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	hbDir := config.HeartbeatDir(a.vault.Root())
	hb := heartbeat.NewWriter(heartbeat.Path(hbDir, owner), owner, 0, nil)
	hb.Start()
	defer hb.Stop()

	switch q {
	case vault.QueuePending:
		if _, err := a.store.Claim(id, owner); err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
	case vault.QueueInProgress:
		if heartbeat.Alive(hbDir, t.ClaimedBy, heartbeat.DefaultMaxAge) && !cmd.Bool("force") {
			return fmt.Errorf("task %s is being run by %s (use --force to take it over)", id, t.ClaimedBy)
		}
		if _, err := a.store.Takeover(id, t.ClaimedBy, owner); err != nil {
			return fmt.Errorf("take over task: %w", err)
		}
		slog.Info("resuming in-progress task", "task_id", id, "from", t.ClaimedBy)
	default:
		return fmt.Errorf("task %s is in %s, nothing to run", id, q)
	}

	script := a.cfg.Worker.Exec
	if cmd.IsSet("exec") {
		script = cmd.String("exec")
	}

	opts := []tasks.RunOption{tasks.AsOwner(owner)}
	if n := int(cmd.Int("max-iterations")); n > 0 {
		opts = append(opts, tasks.WithMaxIterations(n))
	}

	res, err := a.newLoop(script).Run(ctx, id, opts...)
	if err != nil {
		return fmt.Errorf("run task: %w", err)
	}
	if res.Outcome != tasks.OutcomeCompleted {
		budget := 0
		if res.Task != nil {
			budget = res.Task.MaxIterations
		}
		return fmt.Errorf("task %s %s after %d/%d iterations", id, res.Outcome, res.Iterations, budget)
	}
	fmt.Printf("Task %s completed after %d iterations.\n", id, res.Iterations)
	return nil
}

// NewStepCommand returns the step subcommand.
func NewStepCommand() *cli.Command {
	return &cli.Command{
		Name:      "step",
		Usage:     "Mark a step of a task done",
		ArgsUsage: "<task-id> <step>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note appended to the task",
			},
		},
		Action: runStep,
	}
}

func runStep(_ context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: warden step <task-id> <step>")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	step := strings.Join(args[1:], " ")
	t, err := a.store.RecordStepComplete(args[0], step, cmd.String("note"))
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	fmt.Printf("Step %q done (%d/%d).\n", step, t.DoneSteps(), len(t.Steps))
	return nil
}

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and cancel tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks across queues",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "queue",
						Usage: "Only list one queue (Tasks, In_Progress, Done, Needs_Action)",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or running task",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Why the task is cancelled",
						Value: "cancelled by operator",
					},
				},
				Action: runTasksCancel,
			},
		},
		DefaultCommand: "list",
	}
}

var listedQueues = []vault.Queue{
	vault.QueueInProgress, vault.QueuePending, vault.QueueNeedsAction, vault.QueueDone,
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	queues := listedQueues
	if name := cmd.String("queue"); name != "" {
		queues = nil
		for _, q := range listedQueues {
			if strings.EqualFold(string(q), name) {
				queues = []vault.Queue{q}
			}
		}
		if queues == nil {
			return fmt.Errorf("unknown queue %q", name)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tSTATUS\tPRIORITY\tITER\tSTEPS\tDESCRIPTION")
	found := 0
	for _, q := range queues {
		list, err := a.store.List(q)
		if err != nil {
			return fmt.Errorf("list %s: %w", q, err)
		}
		for _, t := range list {
			found++
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\t%s\n",
				t.ID,
				q,
				t.Status,
				t.Priority,
				t.CurrentIteration, t.MaxIterations,
				t.DoneSteps(), len(t.Steps),
				truncate(t.Description, 60),
			)
		}
	}
	if found == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: warden tasks show <task_id>")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, q, err := a.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Queue:       %s\n", q)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Iterations:  %d/%d\n", t.CurrentIteration, t.MaxIterations)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.ClaimedAt != nil {
		fmt.Printf("Claimed:     %s by %s\n", t.ClaimedAt.Format("2006-01-02 15:04:05"), t.ClaimedBy)
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("\nDescription:\n%s\n", t.Description)

	if len(t.Steps) > 0 {
		fmt.Println("\nSteps:")
		for i, s := range t.Steps {
			mark := " "
			if s.Done {
				mark = "x"
			}
			fmt.Printf("  %d. [%s] %s\n", i+1, mark, s.Description)
		}
	}

	if len(t.Notes) > 0 {
		fmt.Println("\nNotes:")
		for _, n := range t.Notes {
			fmt.Printf("  [%s] %s\n", n.Ts.Format("2006-01-02 15:04:05"), n.Text)
		}
	}
	return nil
}

func runTasksCancel(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: warden tasks cancel <task_id>")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.store.Cancel(taskID, cmd.String("reason")); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return fmt.Errorf("task %s is not pending or in progress", taskID)
		}
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Printf("Task %s cancelled.\n", taskID)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
