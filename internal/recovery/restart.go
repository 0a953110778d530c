package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/warden/internal/shell"
)

// ErrNoRestartCommand is returned when no command is configured for a subsystem.
var ErrNoRestartCommand = errors.New("no restart command configured")

// Restarter attempts to restart a failed subsystem.
type Restarter interface {
	Restart(ctx context.Context, subsystem string) (string, error)
}

// ShellRestarter runs a configured shell snippet per subsystem.
type ShellRestarter struct {
	commands map[string]string
	dir      string
	timeout  time.Duration
}

// NewShellRestarter creates a ShellRestarter. timeout 0 means 30s.
func NewShellRestarter(commands map[string]string, dir string, timeout time.Duration) *ShellRestarter {
	if timeout <= 0 {
		timeout = shell.DefaultTimeout
	}
	return &ShellRestarter{commands: commands, dir: dir, timeout: timeout}
}

// Restart runs the command configured for subsystem and returns its combined output.
func (r *ShellRestarter) Restart(ctx context.Context, subsystem string) (string, error) {
	src, ok := r.commands[subsystem]
	if !ok || strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRestartCommand, subsystem)
	}

	slog.Info("restarting subsystem", "subsystem", subsystem)
	out, err := shell.Run(ctx, src, subsystem, shell.Options{
		Dir:     r.dir,
		Env:     []string{"WARDEN_SUBSYSTEM=" + subsystem},
		Timeout: r.timeout,
	})
	if err != nil {
		return out, fmt.Errorf("restart %s: %w", subsystem, err)
	}
	return out, nil
}
