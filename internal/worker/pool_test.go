package worker

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
)

type pauseFlag struct{ on atomic.Bool }

func (p *pauseFlag) Paused() bool { return p.on.Load() }

// completeAll marks every remaining step done in one iteration.
func completeAll(store tasks.Store) tasks.WorkFunc {
	return func(_ context.Context, t *tasks.Task) error {
		for _, s := range t.Steps {
			if !s.Done {
				if _, err := store.RecordStepComplete(t.ID, s.Description, ""); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func newTestPool(t *testing.T, work tasks.WorkFunc, pauser tasks.Pauser, slots int) (*Pool, *tasks.FileStore, *vault.Vault) {
	t.Helper()
	v := vault.New(t.TempDir())
	if err := v.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	store := tasks.NewFileStore(v)
	if work == nil {
		work = completeAll(store)
	}
	loop := tasks.NewLoop(tasks.LoopConfig{
		Store:    store,
		Interval: time.Millisecond,
		Work:     work,
		Pauser:   pauser,
	})
	pool := NewPool(Config{
		Store:        store,
		Loop:         loop,
		Pauser:       pauser,
		Concurrency:  slots,
		PollInterval: 10 * time.Millisecond,
		Owner:        "test-worker",
		HeartbeatDir: filepath.Join(v.Root(), "heartbeats"),
	})
	return pool, store, v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countIs(t *testing.T, v *vault.Vault, q vault.Queue, want int) func() bool {
	return func() bool {
		n, err := v.Count(q)
		if err != nil {
			t.Fatalf("Count(%s): %v", q, err)
		}
		return n == want
	}
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, _, v := newTestPool(t, nil, nil, 2)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		if _, err := pool.Submit("job", []string{"a", "b"}, tasks.PriorityMedium, 5); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, "3 done tasks", countIs(t, v, vault.QueueDone, 3))

	waitFor(t, "idle pool", func() bool {
		busy, finished := pool.Stats()
		return busy == 0 && finished == 3
	})
	if n, _ := v.Count(vault.QueuePending); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestPoolClaimsByPriority(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	var store tasks.Store
	work := func(ctx context.Context, task *tasks.Task) error {
		mu.Lock()
		if len(order) == 0 || order[len(order)-1] != task.Description {
			order = append(order, task.Description)
		}
		mu.Unlock()
		return completeAll(store)(ctx, task)
	}
	pool, fs, v := newTestPool(t, work, nil, 1)
	store = fs

	for _, p := range []tasks.TaskPriority{tasks.PriorityLow, tasks.PriorityHigh, tasks.PriorityMedium} {
		if _, err := fs.Create(string(p), []string{"only"}, p, 3); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pool.Start()
	defer pool.Stop()
	waitFor(t, "3 done tasks", countIs(t, v, vault.QueueDone, 3))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "medium", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPoolHoldsWhilePaused(t *testing.T) {
	pause := &pauseFlag{}
	pause.on.Store(true)
	pool, _, v := newTestPool(t, nil, pause, 1)
	pool.Start()
	defer pool.Stop()

	if _, err := pool.Submit("held", []string{"x"}, "", 3); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n, _ := v.Count(vault.QueuePending); n != 1 {
		t.Fatalf("pending = %d while paused, want 1", n)
	}

	pause.on.Store(false)
	waitFor(t, "task done after resume", countIs(t, v, vault.QueueDone, 1))
}

func TestPoolResumesPausedLoop(t *testing.T) {
	pause := &pauseFlag{}
	var store tasks.Store
	var calls atomic.Int32
	// Raise the flag during the first iteration so the loop pauses mid-task.
	work := func(ctx context.Context, task *tasks.Task) error {
		if calls.Add(1) == 1 {
			pause.on.Store(true)
			return nil
		}
		return completeAll(store)(ctx, task)
	}
	pool, fs, v := newTestPool(t, work, pause, 1)
	store = fs
	pool.Start()
	defer pool.Stop()

	task, err := pool.Submit("pausable", []string{"x"}, "", 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "loop paused", func() bool {
		busy, finished := pool.Stats()
		return busy == 0 && finished == 1
	})
	if _, err := fs.Load(vault.QueueInProgress, task.ID); err != nil {
		t.Fatalf("paused task should stay in progress: %v", err)
	}

	pause.on.Store(false)
	waitFor(t, "task done", countIs(t, v, vault.QueueDone, 1))
}

func TestPoolResumesOrphans(t *testing.T) {
	pool, fs, v := newTestPool(t, nil, nil, 2)

	task, err := fs.Create("orphan", []string{"x"}, "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Claim(task.ID, "crashed-worker"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	waitFor(t, "orphan done", countIs(t, v, vault.QueueDone, 1))
	done, err := fs.Load(vault.QueueDone, task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if done.Status != tasks.TaskCompleted {
		t.Errorf("Status = %s, want completed", done.Status)
	}
}

func TestPoolLeavesLiveOwnersAlone(t *testing.T) {
	pool, fs, v := newTestPool(t, nil, nil, 2)

	hbDir := filepath.Join(v.Root(), "heartbeats")
	peer := heartbeat.NewWriter(heartbeat.Path(hbDir, "peer-pool"), "peer-pool", time.Minute, nil)
	peer.Start()
	defer peer.Stop()

	task, err := fs.Create("owned elsewhere", []string{"x"}, "", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Claim(task.ID, "peer-pool"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	// Several poll rounds while the peer keeps beating.
	time.Sleep(100 * time.Millisecond)
	if busy, finished := pool.Stats(); busy != 0 || finished != 0 {
		t.Fatalf("Stats = %d busy, %d finished; want the peer's task untouched", busy, finished)
	}
	cur, err := fs.Load(vault.QueueInProgress, task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.ClaimedBy != "peer-pool" || cur.CurrentIteration != 0 {
		t.Errorf("task = claimed by %q at iteration %d, want peer-pool at 0", cur.ClaimedBy, cur.CurrentIteration)
	}

	// Once the peer stops beating, its task is adopted.
	peer.Stop()
	waitFor(t, "adopted task done", countIs(t, v, vault.QueueDone, 1))
	done, err := fs.Load(vault.QueueDone, task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if done.ClaimedBy != "test-worker" {
		t.Errorf("ClaimedBy = %q, want test-worker", done.ClaimedBy)
	}
	found := false
	for _, n := range done.Notes {
		if strings.Contains(n.Text, "after peer-pool stopped") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a takeover note, got %+v", done.Notes)
	}
}

func TestPoolCancel(t *testing.T) {
	// Work never completes a step, so the loop runs until cancelled.
	idle := func(context.Context, *tasks.Task) error { return nil }
	pool, _, v := newTestPool(t, idle, nil, 1)
	pool.Start()
	defer pool.Stop()

	task, err := pool.Submit("forever", []string{"never"}, "", 1000)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "task running", func() bool { return len(pool.Running()) == 1 })

	if err := pool.Cancel(task.ID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, "runner gone", func() bool { return len(pool.Running()) == 0 })
	if n, _ := v.Count(vault.QueueNeedsAction); n != 1 {
		t.Errorf("needs action = %d, want 1", n)
	}
}

func TestPoolStopLeavesTaskInProgress(t *testing.T) {
	idle := func(context.Context, *tasks.Task) error { return nil }
	pool, fs, _ := newTestPool(t, idle, nil, 1)
	pool.Start()

	task, err := pool.Submit("interrupted", []string{"never"}, "", 1000)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "task running", func() bool { return len(pool.Running()) == 1 })
	pool.Stop()

	cur, err := fs.Load(vault.QueueInProgress, task.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.Status != tasks.TaskInProgress {
		t.Errorf("Status = %s, want in_progress", cur.Status)
	}
}

func TestNewPoolDefaults(t *testing.T) {
	p := NewPool(Config{})
	if p.slots != DefaultConcurrency {
		t.Errorf("slots = %d, want %d", p.slots, DefaultConcurrency)
	}
	if p.poll != DefaultPollInterval {
		t.Errorf("poll = %v, want %v", p.poll, DefaultPollInterval)
	}
	if len(p.Owner()) != len("worker-")+8 {
		t.Errorf("Owner = %q", p.Owner())
	}
}
