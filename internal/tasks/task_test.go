package tasks

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepEntry
		want  bool
	}{
		{"no steps", nil, true},
		{"none done", []StepEntry{{Description: "a"}, {Description: "b"}}, false},
		{"some done", []StepEntry{{Description: "a", Done: true}, {Description: "b"}}, false},
		{"all done", []StepEntry{{Description: "a", Done: true}, {Description: "b", Done: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsComplete(&Task{Steps: tt.steps}); got != tt.want {
				t.Errorf("IsComplete = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsComplete_StepAddedAfterCompletion(t *testing.T) {
	task := &Task{Steps: []StepEntry{{Description: "a", Done: true}}}
	if !IsComplete(task) {
		t.Fatal("expected complete")
	}
	task.Steps = append(task.Steps, StepEntry{Description: "b"})
	if IsComplete(task) {
		t.Error("expected incomplete after adding a step")
	}
}

func TestMarkStep(t *testing.T) {
	task := &Task{Steps: []StepEntry{{Description: "fetch"}, {Description: "send"}}}

	changed, err := task.markStep(" fetch ")
	if err != nil || !changed {
		t.Fatalf("markStep = %v, %v", changed, err)
	}
	changed, err = task.markStep("fetch")
	if err != nil || changed {
		t.Fatalf("second markStep = %v, %v; want false, nil", changed, err)
	}
	if _, err := task.markStep("unknown"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
	if task.DoneSteps() != 1 {
		t.Errorf("DoneSteps = %d, want 1", task.DoneSteps())
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]TaskPriority{"": PriorityMedium, "HIGH": PriorityHigh, " low ": PriorityLow} {
		got, err := ParsePriority(in)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
	if PriorityHigh.Rank() <= PriorityLow.Rank() {
		t.Error("high should outrank low")
	}
}

func TestGenerateTaskID(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	a, b := GenerateTaskID(now), GenerateTaskID(now)
	if a == b {
		t.Errorf("expected unique ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "TASK_20250304T050607_") {
		t.Errorf("unexpected id %q", a)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if TaskPending.Terminal() || TaskInProgress.Terminal() {
		t.Error("active statuses must not be terminal")
	}
	for _, s := range []TaskStatus{TaskCompleted, TaskFailedMaxIterations, TaskCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
