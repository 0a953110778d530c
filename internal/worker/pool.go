// Package worker schedules task loops over the pending queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/metrics"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
)

const (
	DefaultConcurrency  = 2
	DefaultPollInterval = 5 * time.Second
)

// Config holds dependencies for a Pool.
type Config struct {
	Store        tasks.Store
	Loop         *tasks.Loop
	Pauser       tasks.Pauser // optional; no claims while paused
	Concurrency  int
	PollInterval time.Duration
	Owner        string // claim owner token; generated when empty

	// HeartbeatDir holds one beat per owner. When set, the pool beats there
	// and only adopts in-progress tasks whose owner has no fresh beat. When
	// empty, every in-progress task found at Start is adopted.
	HeartbeatDir    string
	HeartbeatMaxAge time.Duration // default heartbeat.DefaultMaxAge
}

// Pool claims pending tasks and runs one loop goroutine per claimed task.
type Pool struct {
	store    tasks.Store
	loop     *tasks.Loop
	pauser   tasks.Pauser
	slots    int
	poll     time.Duration
	owner    string
	hbDir    string
	hbMaxAge time.Duration
	hb       *heartbeat.Writer
	finished int

	mu      sync.Mutex
	runners map[string]context.CancelFunc // taskID → cancel
	resume  []string                      // in-progress tasks to pick up before pending ones

	scheduleCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewPool creates a Pool.
func NewPool(cfg Config) *Pool {
	p := &Pool{
		store:      cfg.Store,
		loop:       cfg.Loop,
		pauser:     cfg.Pauser,
		slots:      cfg.Concurrency,
		poll:       cfg.PollInterval,
		owner:      cfg.Owner,
		hbDir:      cfg.HeartbeatDir,
		hbMaxAge:   cfg.HeartbeatMaxAge,
		runners:    make(map[string]context.CancelFunc),
		scheduleCh: make(chan struct{}, 1),
	}
	if p.slots <= 0 {
		p.slots = DefaultConcurrency
	}
	if p.poll <= 0 {
		p.poll = DefaultPollInterval
	}
	if p.owner == "" {
		p.owner = "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if p.hbMaxAge <= 0 {
		p.hbMaxAge = heartbeat.DefaultMaxAge
	}
	if p.hbDir != "" {
		p.hb = heartbeat.NewWriter(heartbeat.Path(p.hbDir, p.owner), p.owner, 0, p.Stats)
	}
	return p
}

// Owner returns the claim owner token of this pool.
func (p *Pool) Owner() string { return p.owner }

// Start begins beating, takes over orphaned in-progress tasks and launches
// the scheduler.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if p.hb != nil {
		p.hb.Start()
	}
	orphans := p.adoptOrphans()

	p.wg.Add(1)
	go p.scheduleLoop()
	slog.Info("worker pool started", "owner", p.owner, "concurrency", p.slots, "orphans", orphans)
}

// alive reports whether another process still drives tasks claimed by owner.
// Our own token counts as dead: tasks claimed under it and not running here
// were left by a previous run of this pool.
func (p *Pool) alive(owner string) bool {
	if owner == p.owner {
		return false
	}
	return heartbeat.Alive(p.hbDir, owner, p.hbMaxAge)
}

// adoptOrphans takes over in-progress tasks whose owner is gone and queues
// them for resumption. It returns how many were queued.
func (p *Pool) adoptOrphans() int {
	var alive func(string) bool
	if p.hbDir != "" {
		alive = p.alive
	}
	orphans, err := tasks.Resumable(p.store, alive)
	if err != nil {
		slog.Warn("list orphaned tasks", "error", err)
		return 0
	}

	n := 0
	for _, t := range orphans {
		p.mu.Lock()
		_, running := p.runners[t.ID]
		queued := slices.Contains(p.resume, t.ID)
		p.mu.Unlock()
		if running || queued {
			continue
		}
		if t.ClaimedBy != p.owner {
			if _, err := p.store.Takeover(t.ID, t.ClaimedBy, p.owner); err != nil {
				slog.Warn("take over task", "task_id", t.ID, "from", t.ClaimedBy, "error", err)
				continue
			}
		}
		p.mu.Lock()
		p.resume = append(p.resume, t.ID)
		p.mu.Unlock()
		n++
	}
	return n
}

// Stop cancels running loops and waits for goroutines to finish. Interrupted
// tasks stay in progress and are resumed by the next Start.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.hb != nil {
		p.hb.Stop()
	}
	slog.Info("worker pool stopped", "owner", p.owner)
}

// Submit creates a pending task and wakes the scheduler.
func (p *Pool) Submit(description string, steps []string, priority tasks.TaskPriority, maxIterations int) (*tasks.Task, error) {
	t, err := p.store.Create(description, steps, priority, maxIterations)
	if err != nil {
		return nil, err
	}
	p.wakeScheduler()
	return t, nil
}

// Cancel moves a task to the needs-action queue and stops its loop if running here.
func (p *Pool) Cancel(taskID, reason string) error {
	if _, err := p.store.Cancel(taskID, reason); err != nil {
		return err
	}
	p.mu.Lock()
	if cancel, ok := p.runners[taskID]; ok {
		cancel()
	}
	p.mu.Unlock()
	return nil
}

// Running returns the ids of tasks with a live loop, sorted.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.runners))
	for id := range p.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports running loops and loops finished since NewPool.
func (p *Pool) Stats() (busy, finished int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners), p.finished
}

func (p *Pool) wakeScheduler() {
	select {
	case p.scheduleCh <- struct{}{}:
	default:
	}
}

// scheduleLoop is the main scheduler goroutine.
func (p *Pool) scheduleLoop() {
	defer p.wg.Done()

	pollTicker := time.NewTicker(p.poll)
	defer pollTicker.Stop()

	for {
		p.schedule()

		select {
		case <-p.ctx.Done():
			return
		case <-p.scheduleCh:
		case <-pollTicker.C:
			if p.hbDir != "" {
				p.adoptOrphans()
			}
		}
	}
}

// schedule fills free slots, resumed tasks first, then pending tasks by
// priority (high first) and age (oldest first).
func (p *Pool) schedule() {
	if p.ctx.Err() != nil {
		return
	}
	if p.pauser != nil && p.pauser.Paused() {
		slog.Debug("status flag active, not claiming")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.resume) > 0 && len(p.runners) < p.slots {
		id := p.resume[0]
		p.resume = p.resume[1:]
		if _, running := p.runners[id]; running {
			continue
		}
		slog.Info("resuming task", "task_id", id, "owner", p.owner)
		p.startTask(id)
	}

	if len(p.runners) >= p.slots {
		return
	}

	pending, err := p.store.List(vault.QueuePending)
	if err != nil {
		slog.Warn("list pending tasks", "error", err)
		return
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority.Rank() > pending[j].Priority.Rank()
	})

	for _, t := range pending {
		if len(p.runners) >= p.slots {
			return
		}
		if _, err := p.store.Claim(t.ID, p.owner); err != nil {
			if !errors.Is(err, tasks.ErrAlreadyClaimed) {
				slog.Warn("claim task", "task_id", t.ID, "error", err)
			}
			continue
		}
		p.startTask(t.ID)
	}
}

// startTask launches a loop goroutine for a claimed task.
// Caller must hold p.mu.
func (p *Pool) startTask(taskID string) {
	taskCtx, taskCancel := context.WithCancel(p.ctx)
	p.runners[taskID] = taskCancel
	metrics.WorkersBusy.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			taskCancel()
			metrics.WorkersBusy.Dec()
			p.mu.Lock()
			delete(p.runners, taskID)
			p.finished++
			p.mu.Unlock()
			p.wakeScheduler()
		}()

		p.runTask(taskCtx, taskID)
	}()
}

func (p *Pool) runTask(ctx context.Context, taskID string) {
	res, err := p.loop.Run(ctx, taskID, tasks.AsOwner(p.owner))
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("task loop interrupted", "task_id", taskID)
		} else {
			slog.Error("task loop failed", "task_id", taskID, "error", err)
		}
		return
	}

	metrics.TasksFinished.WithLabelValues(string(res.Outcome)).Inc()
	slog.Info("task loop finished", "task_id", taskID, "outcome", res.Outcome, "iterations", res.Iterations)

	if res.Outcome == tasks.OutcomePaused {
		// Still claimed by us; pick it up again once the flags clear.
		p.mu.Lock()
		p.resume = append(p.resume, taskID)
		p.mu.Unlock()
	}
}
