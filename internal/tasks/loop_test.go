package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/storage/vault"
)

type pauseFunc func() bool

func (f pauseFunc) Paused() bool { return f() }

func claimNew(t *testing.T, store *FileStore, steps []string, maxIter int) *Task {
	t.Helper()
	task, err := store.Create("loop test", steps, "", maxIter)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(task.ID, "test"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return task
}

func TestLoopCompletes(t *testing.T) {
	store, v := newTestStore(t)
	task := claimNew(t, store, []string{"step one", "step two"}, 10)

	// One step per iteration.
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			for _, s := range cur.Steps {
				if !s.Done {
					_, err := store.RecordStepComplete(cur.ID, s.Description, "")
					return err
				}
			}
			return nil
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %s, want completed", res.Outcome)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}

	done, err := store.Load(vault.QueueDone, task.ID)
	if err != nil {
		t.Fatalf("Load done: %v", err)
	}
	if done.Status != TaskCompleted || done.CurrentIteration != 2 || done.CompletedAt == nil {
		t.Errorf("done record = %s iteration %d", done.Status, done.CurrentIteration)
	}
	if v.Exists(vault.QueueInProgress, task.ID+".md") {
		t.Error("record still in in-progress")
	}
}

func TestLoopExhausts(t *testing.T) {
	store, v := newTestStore(t)
	task := claimNew(t, store, []string{"a", "b", "c"}, 2)

	var calls atomic.Int32
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(context.Context, *Task) error {
			calls.Add(1)
			return nil
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeExhausted {
		t.Fatalf("Outcome = %s, want exhausted", res.Outcome)
	}
	if calls.Load() != 2 {
		t.Errorf("work called %d times, want 2", calls.Load())
	}

	got, err := store.Load(vault.QueueInProgress, task.ID)
	if err != nil {
		t.Fatalf("record should stay in in-progress: %v", err)
	}
	if got.Status != TaskFailedMaxIterations || got.CurrentIteration != 2 {
		t.Errorf("record = %s iteration %d", got.Status, got.CurrentIteration)
	}
	if v.Exists(vault.QueueDone, "DONE_"+task.ID+".md") {
		t.Error("exhausted record must not be archived")
	}

	// Re-running an exhausted record is a no-op.
	res, err = loop.Run(context.Background(), task.ID)
	if err != nil || res.Outcome != OutcomeExhausted {
		t.Errorf("re-run = %v, %v", res.Outcome, err)
	}
	if calls.Load() != 2 {
		t.Errorf("re-run invoked work")
	}
}

func TestLoopCompleteAtBudgetIsNotFailed(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"only"}, 1)

	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			_, err := store.RecordStepComplete(cur.ID, "only", "")
			return err
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Iterations != 1 {
		t.Errorf("result = %s after %d", res.Outcome, res.Iterations)
	}
}

func TestLoopNoSteps(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, nil, 5)

	res, err := NewLoop(LoopConfig{Store: store}).Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Iterations != 0 {
		t.Errorf("result = %s after %d", res.Outcome, res.Iterations)
	}
}

func TestLoopCancelledByRelocation(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"never"}, 10)

	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			_, err := store.Cancel(cur.ID, "operator")
			return err
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", res.Outcome)
	}

	got, q, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q != vault.QueueNeedsAction || got.Status != TaskCancelled {
		t.Errorf("record = %s in %s", got.Status, q)
	}
}

func TestLoopPaused(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 10)

	var paused atomic.Bool
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Pauser:   pauseFunc(paused.Load),
		Work: func(context.Context, *Task) error {
			paused.Store(true)
			return nil
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomePaused || res.Iterations != 1 {
		t.Errorf("result = %s after %d", res.Outcome, res.Iterations)
	}

	got, err := store.Load(vault.QueueInProgress, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskInProgress || got.CurrentIteration != 1 {
		t.Errorf("paused record = %s iteration %d", got.Status, got.CurrentIteration)
	}
	if tasks, _ := Resumable(store, nil); len(tasks) != 1 {
		t.Errorf("paused record should be resumable, got %d", len(tasks))
	}
}

func TestLoopWorkErrorsGoToRecoverer(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 2)

	var gotCtx []string
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(context.Context, *Task) error {
			return errors.New("connection refused")
		},
		Recover: func(_ context.Context, _ error, errCtx string, _ func(context.Context) error) bool {
			gotCtx = append(gotCtx, errCtx)
			return false
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeExhausted {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if len(gotCtx) != 2 || gotCtx[0] != "task:"+task.ID {
		t.Errorf("recoverer contexts = %v", gotCtx)
	}
}

func TestLoopRecovererRetriesIteration(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 3)

	var calls atomic.Int32
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			if calls.Add(1) == 1 {
				return errors.New("connection timeout")
			}
			_, err := store.RecordStepComplete(cur.ID, "a", "")
			return err
		},
		Recover: func(ctx context.Context, _ error, _ string, retry func(context.Context) error) bool {
			if retry == nil {
				t.Error("recoverer got no retry operation")
				return false
			}
			return retry(ctx) == nil
		},
	})

	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Iterations != 1 {
		t.Errorf("got %s after %d iterations, want completed after 1", res.Outcome, res.Iterations)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("work ran %d times, want 2", n)
	}
}

func TestLoopReleasedAfterTakeover(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 10)

	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			// Another driver adopts the record mid-run.
			_, err := store.Takeover(cur.ID, "test", "other")
			return err
		},
	})

	res, err := loop.Run(context.Background(), task.ID, AsOwner("test"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeReleased {
		t.Fatalf("Outcome = %s, want released", res.Outcome)
	}
	cur, err := store.Load(vault.QueueInProgress, task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.ClaimedBy != "other" || cur.CurrentIteration != 1 {
		t.Errorf("record = claimed by %q at iteration %d, want other at 1", cur.ClaimedBy, cur.CurrentIteration)
	}
}

func TestLoopWithMaxIterations(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 10)

	loop := NewLoop(LoopConfig{Store: store, Interval: time.Millisecond})
	res, err := loop.Run(context.Background(), task.ID, WithMaxIterations(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeExhausted || res.Iterations != 3 {
		t.Errorf("result = %s after %d", res.Outcome, res.Iterations)
	}
	if res.Task.MaxIterations != 3 {
		t.Errorf("persisted budget = %d, want 3", res.Task.MaxIterations)
	}

	// Raising the budget resumes the exhausted record; lowering never goes below used.
	res, err = loop.Run(context.Background(), task.ID, WithMaxIterations(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Task.MaxIterations != 3 || res.Iterations != 3 {
		t.Errorf("clamped budget = %d after %d", res.Task.MaxIterations, res.Iterations)
	}
	res, err = loop.Run(context.Background(), task.ID, WithMaxIterations(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeExhausted || res.Iterations != 4 {
		t.Errorf("raised budget result = %s after %d", res.Outcome, res.Iterations)
	}
}

func TestLoopContextCancel(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a"}, 100)

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Hour,
		Work: func(context.Context, *Task) error {
			cancel()
			return nil
		},
	})

	res, err := loop.Run(ctx, task.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1 persisted before suspension", res.Iterations)
	}
}

func TestLoopResumesAfterCrash(t *testing.T) {
	store, _ := newTestStore(t)
	task := claimNew(t, store, []string{"a", "b"}, 10)

	// Simulate a crashed run that used one iteration and finished one step.
	if _, err := store.Update(task.ID, func(cur *Task) error {
		cur.CurrentIteration = 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordStepComplete(task.ID, "a", ""); err != nil {
		t.Fatal(err)
	}

	resumable, err := Resumable(store, nil)
	if err != nil || len(resumable) != 1 {
		t.Fatalf("Resumable = %d, %v", len(resumable), err)
	}

	loop := NewLoop(LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work: func(_ context.Context, cur *Task) error {
			_, err := store.RecordStepComplete(cur.ID, "b", "")
			return err
		},
	})
	res, err := loop.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Iterations != 2 {
		t.Errorf("result = %s after %d", res.Outcome, res.Iterations)
	}
}
