package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// DefaultMaxIterations is the iteration budget used when none is given.
const DefaultMaxIterations = 10

// searchQueues is the lookup order used by Get.
var searchQueues = []vault.Queue{
	vault.QueueInProgress, vault.QueuePending, vault.QueueDone, vault.QueueNeedsAction,
}

// FileStore persists tasks as markdown records inside vault queues.
type FileStore struct {
	mu         sync.RWMutex
	v          *vault.Vault
	bus        *events.Bus
	now        func() time.Time
	defaultMax int
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithBus publishes task events on bus.
func WithBus(bus *events.Bus) FileStoreOption {
	return func(fs *FileStore) { fs.bus = bus }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) FileStoreOption {
	return func(fs *FileStore) { fs.now = now }
}

// WithDefaultMaxIterations sets the budget applied when Create gets none.
func WithDefaultMaxIterations(n int) FileStoreOption {
	return func(fs *FileStore) {
		if n > 0 {
			fs.defaultMax = n
		}
	}
}

// NewFileStore creates a FileStore on top of v.
func NewFileStore(v *vault.Vault, opts ...FileStoreOption) *FileStore {
	fs := &FileStore{v: v, now: time.Now, defaultMax: DefaultMaxIterations}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Create writes a new pending task.
func (fs *FileStore) Create(description string, steps []string, priority TaskPriority, maxIterations int) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.New("task description is required")
	}
	priority, err := ParsePriority(string(priority))
	if err != nil {
		return nil, err
	}
	if maxIterations <= 0 {
		maxIterations = fs.defaultMax
	}

	now := fs.now()
	t := &Task{
		ID:            GenerateTaskID(now),
		Description:   description,
		Status:        TaskPending,
		Priority:      priority,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
		Steps:         make([]StepEntry, 0, len(steps)),
	}
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			t.Steps = append(t.Steps, StepEntry{Description: s})
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.write(vault.QueuePending, fileName(t.ID), t); err != nil {
		return nil, err
	}

	slog.Info("task created", "task_id", t.ID, "steps", len(t.Steps), "priority", t.Priority)
	fs.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskCreatedPayload{
		TaskID:        t.ID,
		Description:   t.Description,
		Priority:      string(t.Priority),
		Steps:         len(t.Steps),
		MaxIterations: t.MaxIterations,
	}))
	return t, nil
}

// Get finds a task in any queue and reports which queue holds it.
func (fs *FileStore) Get(id string) (*Task, vault.Queue, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	q, name, err := fs.locate(id)
	if err != nil {
		return nil, "", err
	}
	t, err := fs.read(q, name)
	if err != nil {
		return nil, "", err
	}
	return t, q, nil
}

// Load reads a task from one specific queue.
func (fs *FileStore) Load(q vault.Queue, id string) (*Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return fs.read(q, nameIn(q, id))
}

// List returns the tasks of a queue, oldest first. Unreadable records are skipped.
func (fs *FileStore) List(q vault.Queue) ([]*Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	names, err := fs.v.List(q, "*.md")
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, name := range names {
		t, err := fs.read(q, name)
		if err != nil {
			slog.Warn("skipping unreadable task record", "queue", q, "file", name, "error", err)
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Claim moves a pending task into the in-progress queue and stamps the owner.
// Exactly one of several concurrent claimers succeeds; the rest get ErrAlreadyClaimed.
func (fs *FileStore) Claim(id, owner string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	name := fileName(id)
	if err := fs.v.Move(vault.QueuePending, name, vault.QueueInProgress, name); err != nil {
		if errors.Is(err, vault.ErrNotExist) || errors.Is(err, vault.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	t, err := fs.read(vault.QueueInProgress, name)
	if err != nil {
		return nil, err
	}

	now := fs.now()
	t.Status = TaskInProgress
	t.ClaimedBy = owner
	t.ClaimedAt = &now
	t.addNote(now, "Claimed by "+owner)
	if err := fs.write(vault.QueueInProgress, name, t); err != nil {
		return nil, err
	}

	slog.Info("task claimed", "task_id", id, "owner", owner)
	fs.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskClaimedPayload{TaskID: id, Owner: owner}))
	return t, nil
}

// RecordStepComplete marks a step done and appends a note. Marking an already
// done step changes nothing.
func (fs *FileStore) RecordStepComplete(id, step, note string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	q, name, err := fs.locate(id)
	if err != nil {
		return nil, err
	}
	t, err := fs.read(q, name)
	if err != nil {
		return nil, err
	}
	if q == vault.QueueDone || t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, t.Status)
	}

	changed, err := t.markStep(step)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	now := fs.now()
	text := "Step completed: " + step
	if note = strings.TrimSpace(note); note != "" {
		text += " (" + note + ")"
	}
	t.addNote(now, text)
	if err := fs.write(q, name, t); err != nil {
		return nil, err
	}

	slog.Debug("task step completed", "task_id", id, "step", step, "done", t.DoneSteps(), "total", len(t.Steps))
	fs.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskStepPayload{
		TaskID: id,
		Step:   step,
		Done:   t.DoneSteps(),
		Total:  len(t.Steps),
	}))
	return t, nil
}

// Annotate appends a free-form note to a task in whichever queue holds it.
func (fs *FileStore) Annotate(id, note string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	q, name, err := fs.locate(id)
	if err != nil {
		return err
	}
	t, err := fs.read(q, name)
	if err != nil {
		return err
	}
	t.addNote(fs.now(), note)
	return fs.write(q, name, t)
}

// Update re-reads a pending or in-progress task under its record lock, applies
// fn and writes the result. fn sees the latest persisted state, so changes made
// by other processes between reads are never overwritten. When fn returns
// ErrUnchanged nothing is written; any other error aborts the update.
// Records that moved to the done or needs-action queues cannot be updated.
func (fs *FileStore) Update(id string, fn func(*Task) error) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	name := fileName(id)
	for _, q := range []vault.Queue{vault.QueueInProgress, vault.QueuePending} {
		if !fs.v.Exists(q, name) {
			continue
		}
		t, err := fs.read(q, name)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return t, nil
			}
			return t, err
		}
		if err := fs.write(q, name, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Takeover reassigns an in-progress task from one owner to another. It fails
// with ErrAlreadyClaimed unless the record is still in progress and owned by from.
func (fs *FileStore) Takeover(id, from, to string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	name := fileName(id)
	t, err := fs.read(vault.QueueInProgress, name)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskInProgress || t.ClaimedBy != from {
		return nil, fmt.Errorf("%w: %s is %s, owned by %q", ErrAlreadyClaimed, id, t.Status, t.ClaimedBy)
	}

	now := fs.now()
	t.ClaimedBy = to
	t.ClaimedAt = &now
	if from == "" {
		t.addNote(now, "Resumed by "+to)
	} else {
		t.addNote(now, fmt.Sprintf("Resumed by %s after %s stopped", to, from))
	}
	if err := fs.write(vault.QueueInProgress, name, t); err != nil {
		return nil, err
	}

	slog.Info("task taken over", "task_id", id, "from", from, "owner", to)
	fs.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskClaimedPayload{TaskID: id, Owner: to}))
	return t, nil
}

// Complete marks an in-progress task completed and archives it in the done queue.
// The record is re-read under its lock, rewritten in place, then moved, so a
// crash in between leaves a completed record that a resumed loop archives again.
func (fs *FileStore) Complete(id string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	name := fileName(id)
	t, err := fs.read(vault.QueueInProgress, name)
	if err != nil {
		return nil, err
	}

	now := fs.now()
	t.Status = TaskCompleted
	t.CompletedAt = &now
	t.addNote(now, fmt.Sprintf("Completed after %d/%d iterations", t.CurrentIteration, t.MaxIterations))
	if err := fs.write(vault.QueueInProgress, name, t); err != nil {
		return nil, err
	}

	if err := fs.v.Move(vault.QueueInProgress, name, vault.QueueDone, doneFileName(t.ID)); err != nil {
		return nil, fmt.Errorf("archive task: %w", err)
	}
	return t, nil
}

// Cancel moves a pending or in-progress task to the needs-action queue.
// A loop running the task observes this as cancellation.
func (fs *FileStore) Cancel(id, reason string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	unlock, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	name := fileName(id)
	var from vault.Queue
	for _, q := range []vault.Queue{vault.QueueInProgress, vault.QueuePending} {
		if fs.v.Exists(q, name) {
			from = q
			break
		}
	}
	if from == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := fs.v.Move(from, name, vault.QueueNeedsAction, name); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	t, err := fs.read(vault.QueueNeedsAction, name)
	if err != nil {
		return nil, err
	}
	now := fs.now()
	t.Status = TaskCancelled
	if reason == "" {
		reason = "cancelled by operator"
	}
	t.addNote(now, "Cancelled: "+reason)
	if err := fs.write(vault.QueueNeedsAction, name, t); err != nil {
		return nil, err
	}

	slog.Info("task cancelled", "task_id", id, "from", from, "reason", reason)
	fs.bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskFinishedPayload{
		Type:      events.EventTaskCancelled,
		TaskID:    id,
		Status:    string(TaskCancelled),
		Iteration: t.CurrentIteration,
		Reason:    reason,
	}))
	return t, nil
}

// Counts returns the number of records per task queue.
func (fs *FileStore) Counts() (map[vault.Queue]int, error) {
	counts := make(map[vault.Queue]int, len(searchQueues))
	for _, q := range searchQueues {
		n, err := fs.v.Count(q)
		if err != nil {
			return nil, err
		}
		counts[q] = n
	}
	return counts, nil
}

// lock takes the cross-process lock of one record. Records move between
// queues, so the lock is keyed by id rather than by path.
func (fs *FileStore) lock(id string) (func(), error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	unlock, err := fs.v.Lock("task-" + id)
	if err != nil {
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	return unlock, nil
}

// locate finds the queue and file name of a task. Callers hold fs.mu.
func (fs *FileStore) locate(id string) (vault.Queue, string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	for _, q := range searchQueues {
		name := nameIn(q, id)
		if fs.v.Exists(q, name) {
			return q, name, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func nameIn(q vault.Queue, id string) string {
	if q == vault.QueueDone {
		return doneFileName(id)
	}
	return fileName(id)
}

func (fs *FileStore) read(q vault.Queue, name string) (*Task, error) {
	data, err := fs.v.ReadFile(q, name)
	if err != nil {
		if errors.Is(err, vault.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, q, name)
		}
		return nil, err
	}
	t, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", q, name, err)
	}
	return t, nil
}

func (fs *FileStore) write(q vault.Queue, name string, t *Task) error {
	t.UpdatedAt = fs.now()
	data, err := Encode(t)
	if err != nil {
		return err
	}
	return fs.v.WriteFileAtomic(q, name, data)
}
