package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/warden/internal/shell"
	"github.com/dohr-michael/warden/internal/tasks"
)

// ExecWork returns a work hook that runs script once per iteration. The script
// sees WARDEN_TASK_ID, WARDEN_ITERATION, WARDEN_MAX_ITERATIONS and WARDEN_NEXT_STEP
// and reports progress by marking steps done (e.g. `warden step`).
func ExecWork(script, dir string, timeout time.Duration) tasks.WorkFunc {
	return func(ctx context.Context, t *tasks.Task) error {
		env := []string{
			"WARDEN_TASK_ID=" + t.ID,
			"WARDEN_ITERATION=" + strconv.Itoa(t.CurrentIteration),
			"WARDEN_MAX_ITERATIONS=" + strconv.Itoa(t.MaxIterations),
			"WARDEN_NEXT_STEP=" + nextStep(t),
		}
		out, err := shell.Run(ctx, script, t.ID, shell.Options{Dir: dir, Env: env, Timeout: timeout})
		if err != nil {
			// The tail of the output usually names the failure; the classifier reads it.
			return fmt.Errorf("task work %s: %w: %s", t.ID, err, lastLine(out))
		}
		slog.Debug("task work done", "task_id", t.ID, "iteration", t.CurrentIteration)
		return nil
	}
}

func nextStep(t *tasks.Task) string {
	for _, s := range t.Steps {
		if !s.Done {
			return s.Description
		}
	}
	return ""
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
