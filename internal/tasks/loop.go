package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// Outcome is how a loop run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePaused    Outcome = "paused"
	OutcomeReleased  Outcome = "released" // another owner took the claim over
)

// DefaultInterval is the wait between loop passes.
const DefaultInterval = time.Second

// WorkFunc performs one iteration of external work on a task. It typically
// calls RecordStepComplete on the store.
type WorkFunc func(ctx context.Context, t *Task) error

// Recoverer receives errors returned by the work hook. errCtx is "task:<id>".
// retry re-runs the failed iteration's work and may be used for bounded retries.
type Recoverer func(ctx context.Context, err error, errCtx string, retry func(context.Context) error) bool

// Pauser reports whether running loops should stop between passes.
type Pauser interface {
	Paused() bool
}

// LoopConfig holds dependencies for a Loop.
type LoopConfig struct {
	Store    Store
	Bus      *events.Bus
	Interval time.Duration // 0 = DefaultInterval
	Work     WorkFunc      // optional
	Recover  Recoverer     // optional
	Pauser   Pauser        // optional
}

// Loop drives claimed tasks through bounded iterations until they complete,
// exhaust their budget, are cancelled, or get paused.
type Loop struct {
	store    Store
	bus      *events.Bus
	interval time.Duration
	work     WorkFunc
	recover  Recoverer
	pauser   Pauser
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		store:    cfg.Store,
		bus:      cfg.Bus,
		interval: interval,
		work:     cfg.Work,
		recover:  cfg.Recover,
		pauser:   cfg.Pauser,
	}
}

// Result describes a finished run.
type Result struct {
	TaskID     string
	Outcome    Outcome
	Iterations int
	Task       *Task
}

type runOptions struct {
	maxIterations int
	owner         string
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithMaxIterations overrides the task's iteration budget for this run and
// persists it. The budget never drops below the iterations already used.
func WithMaxIterations(n int) RunOption {
	return func(o *runOptions) { o.maxIterations = n }
}

// AsOwner makes the run stop with OutcomeReleased as soon as the record is
// claimed by someone other than owner.
func AsOwner(owner string) RunOption {
	return func(o *runOptions) { o.owner = owner }
}

// errReleased aborts an update when the record changed owner.
var errReleased = errors.New("claim released")

type passVerdict int

const (
	passIterate passVerdict = iota
	passComplete
	passExhausted
	passAlreadyExhausted
	passCancelled
)

// Run drives the in-progress task id until it reaches an outcome.
// Re-running on the same record after a crash resumes where it stopped.
func (l *Loop) Run(ctx context.Context, id string, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	res := &Result{TaskID: id}
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		t, err := l.store.Load(vault.QueueInProgress, id)
		if errors.Is(err, ErrNotFound) {
			slog.Info("task left in-progress queue, stopping loop", "task_id", id)
			res.Outcome = OutcomeCancelled
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("reload task: %w", err)
		}
		res.Task = t
		res.Iterations = t.CurrentIteration

		if first {
			first = false
			if o.maxIterations > 0 && o.maxIterations != t.MaxIterations {
				t, err = l.store.Update(id, func(t *Task) error {
					if o.owner != "" && t.ClaimedBy != o.owner {
						return errReleased
					}
					t.MaxIterations = max(o.maxIterations, t.CurrentIteration)
					return nil
				})
				if done, err := l.settle(res, err); done {
					return res, err
				}
				res.Task = t
			}
		}

		if t.Status == TaskCancelled {
			res.Outcome = OutcomeCancelled
			return res, nil
		}
		if l.pauser != nil && l.pauser.Paused() {
			slog.Warn("loop paused by status flag", "task_id", id, "iteration", t.CurrentIteration)
			l.publishFinished(events.EventTaskPaused, t, "status flag active")
			res.Outcome = OutcomePaused
			return res, nil
		}

		// The pass is decided on the record as re-read under its lock, so
		// steps recorded by other processes since the load above count.
		var verdict passVerdict
		t, err = l.store.Update(id, func(t *Task) error {
			if o.owner != "" && t.ClaimedBy != o.owner {
				return errReleased
			}
			switch {
			case t.Status == TaskCancelled:
				verdict = passCancelled
				return ErrUnchanged
			case IsComplete(t):
				verdict = passComplete
				return ErrUnchanged
			case t.CurrentIteration >= t.MaxIterations:
				if t.Status == TaskFailedMaxIterations {
					verdict = passAlreadyExhausted
					return ErrUnchanged
				}
				verdict = passExhausted
				t.Status = TaskFailedMaxIterations
				t.addNote(time.Now(), fmt.Sprintf("Iteration budget exhausted (%d/%d), %d/%d steps done",
					t.CurrentIteration, t.MaxIterations, t.DoneSteps(), len(t.Steps)))
				return nil
			default:
				verdict = passIterate
				t.CurrentIteration++
				t.Status = TaskInProgress
				return nil
			}
		})
		if done, err := l.settle(res, err); done {
			return res, err
		}
		res.Task = t
		res.Iterations = t.CurrentIteration

		switch verdict {
		case passCancelled:
			res.Outcome = OutcomeCancelled
			return res, nil
		case passAlreadyExhausted:
			res.Outcome = OutcomeExhausted
			return res, nil
		case passExhausted:
			slog.Warn("task exhausted iteration budget", "task_id", id, "iterations", t.CurrentIteration)
			l.publishFinished(events.EventTaskExhausted, t, "max iterations reached")
			res.Outcome = OutcomeExhausted
			return res, nil
		case passComplete:
			done, err := l.store.Complete(id)
			if errors.Is(err, ErrNotFound) {
				res.Outcome = OutcomeCancelled
				return res, nil
			}
			if err != nil {
				return res, fmt.Errorf("complete task: %w", err)
			}
			res.Task = done
			slog.Info("task completed", "task_id", id, "iterations", done.CurrentIteration)
			l.publishFinished(events.EventTaskCompleted, done, "")
			res.Outcome = OutcomeCompleted
			return res, nil
		}

		slog.Debug("task iteration", "task_id", id, "iteration", t.CurrentIteration, "max", t.MaxIterations)
		l.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskIterationPayload{
			TaskID:        id,
			Iteration:     t.CurrentIteration,
			MaxIterations: t.MaxIterations,
		}))

		if l.work != nil {
			current := t
			if err := l.work(ctx, current); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				slog.Warn("task work failed", "task_id", id, "iteration", t.CurrentIteration, "error", err)
				if l.recover != nil {
					retry := func(ctx context.Context) error { return l.work(ctx, current) }
					l.recover(ctx, err, "task:"+id, retry)
				}
			}
		}

		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}
}

// settle maps a failed store update to the end of the run. done is false
// when err is nil and the pass should go on.
func (l *Loop) settle(res *Result, err error) (done bool, _ error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrNotFound):
		slog.Info("task left in-progress queue, stopping loop", "task_id", res.TaskID)
		res.Outcome = OutcomeCancelled
		return true, nil
	case errors.Is(err, errReleased):
		slog.Warn("task claimed by another owner, stopping loop", "task_id", res.TaskID)
		res.Outcome = OutcomeReleased
		return true, nil
	default:
		return true, fmt.Errorf("persist task: %w", err)
	}
}

func (l *Loop) publishFinished(typ events.EventType, t *Task, reason string) {
	l.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskFinishedPayload{
		Type:      typ,
		TaskID:    t.ID,
		Status:    string(t.Status),
		Iteration: t.CurrentIteration,
		Reason:    reason,
	}))
}
