// Package shell runs configured POSIX shell snippets with an embedded interpreter.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// DefaultTimeout bounds a run when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrEmptyScript is returned for blank scripts.
var ErrEmptyScript = errors.New("empty script")

// Options configures a Run.
type Options struct {
	Dir     string        // working directory; empty = current
	Env     []string      // KEY=VALUE pairs added to the process environment
	Timeout time.Duration // 0 = DefaultTimeout
}

// Run parses and executes src, returning its combined stdout and stderr.
// A non-zero exit is reported as "exit status N".
func Run(ctx context.Context, src, name string, o Options) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", ErrEmptyScript
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(src), name)
	if err != nil {
		return "", fmt.Errorf("parse script: %w", err)
	}

	var out bytes.Buffer
	opts := []interp.RunnerOption{
		interp.StdIO(nil, &out, &out),
		interp.Env(expand.ListEnviron(append(os.Environ(), o.Env...)...)),
	}
	if o.Dir != "" {
		opts = append(opts, interp.Dir(o.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return "", err
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			if ctx.Err() != nil {
				return out.String(), fmt.Errorf("script timed out after %s: %w", timeout, ctx.Err())
			}
			return out.String(), fmt.Errorf("exit status %d", uint8(status))
		}
		return out.String(), err
	}
	return out.String(), nil
}
