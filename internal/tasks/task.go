// Package tasks manages durable task records and drives them through the
// bounded-iteration lifecycle loop.
package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record with the given ID exists in the searched queues.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyClaimed is returned when a claim finds the record no longer pending.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrUnknownStep is returned when a step description matches no step of the task.
	ErrUnknownStep = errors.New("unknown step")
	// ErrTaskFinished is returned when mutating a record that reached a terminal state.
	ErrTaskFinished = errors.New("task already finished")
	// ErrMalformedRecord is returned when a record file cannot be decoded.
	ErrMalformedRecord = errors.New("malformed task record")
	// ErrUnchanged is returned by an Update callback that has nothing to write.
	ErrUnchanged = errors.New("task unchanged")
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskInProgress          TaskStatus = "in_progress"
	TaskCompleted           TaskStatus = "completed"
	TaskFailedMaxIterations TaskStatus = "failed_max_iterations"
	TaskCancelled           TaskStatus = "cancelled"
)

// Terminal reports whether no further lifecycle passes apply.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedMaxIterations || s == TaskCancelled
}

// TaskPriority represents the scheduling priority of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// ParsePriority validates a priority name. Empty means medium.
func ParsePriority(s string) (TaskPriority, error) {
	switch p := TaskPriority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q (want low, medium or high)", s)
	}
}

// Rank orders priorities for scheduling; higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// StepEntry is one unit of externally judged progress.
type StepEntry struct {
	Description string `yaml:"description" json:"description"`
	Done        bool   `yaml:"done" json:"done"`
}

// Note is a timestamped free-form annotation on a task.
type Note struct {
	Ts   time.Time `yaml:"ts" json:"ts"`
	Text string    `yaml:"text" json:"text"`
}

// Task is the durable record tracked through the queues.
type Task struct {
	ID               string       `yaml:"id" json:"id"`
	Description      string       `yaml:"description" json:"description"`
	Status           TaskStatus   `yaml:"status" json:"status"`
	Priority         TaskPriority `yaml:"priority" json:"priority"`
	CurrentIteration int          `yaml:"current_iteration" json:"current_iteration"`
	MaxIterations    int          `yaml:"max_iterations" json:"max_iterations"`
	CreatedAt        time.Time    `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `yaml:"updated_at" json:"updated_at"`
	ClaimedBy        string       `yaml:"claimed_by,omitempty" json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time   `yaml:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	CompletedAt      *time.Time   `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Steps            []StepEntry  `yaml:"steps" json:"steps"`
	Notes            []Note       `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// DoneSteps returns the number of steps marked done.
func (t *Task) DoneSteps() int {
	n := 0
	for _, s := range t.Steps {
		if s.Done {
			n++
		}
	}
	return n
}

// IsComplete reports whether every step is done, using the current step list.
// A task without steps is complete.
func IsComplete(t *Task) bool {
	if len(t.Steps) == 0 {
		return true
	}
	return t.DoneSteps() >= len(t.Steps)
}

// markStep marks the first step with the given description done.
// It reports whether the step changed.
func (t *Task) markStep(description string) (bool, error) {
	want := strings.TrimSpace(description)
	for i := range t.Steps {
		if strings.TrimSpace(t.Steps[i].Description) != want {
			continue
		}
		if t.Steps[i].Done {
			return false, nil
		}
		t.Steps[i].Done = true
		return true, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownStep, description)
}

func (t *Task) addNote(ts time.Time, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.Notes = append(t.Notes, Note{Ts: ts, Text: text})
}

// GenerateTaskID creates a unique, time-derived task identifier.
func GenerateTaskID(now time.Time) string {
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TASK_" + now.UTC().Format("20060102T150405") + "_" + u[:8]
}

// fileName is the record file name in every queue but Done.
func fileName(id string) string { return id + ".md" }

// doneFileName is the archived record file name in the Done queue.
func doneFileName(id string) string { return "DONE_" + id + ".md" }
