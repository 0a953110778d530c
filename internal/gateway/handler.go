package gateway

import (
	"context"
	"fmt"

	"github.com/dohr-michael/warden/internal/status"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
)

type taskSummary struct {
	ID               string             `json:"id"`
	Description      string             `json:"description"`
	Queue            vault.Queue        `json:"queue"`
	Status           tasks.TaskStatus   `json:"status"`
	Priority         tasks.TaskPriority `json:"priority"`
	CurrentIteration int                `json:"current_iteration"`
	MaxIterations    int                `json:"max_iterations"`
	StepsDone        int                `json:"steps_done"`
	StepsTotal       int                `json:"steps_total"`
}

func summarize(t *tasks.Task, q vault.Queue) taskSummary {
	return taskSummary{
		ID:               t.ID,
		Description:      t.Description,
		Queue:            q,
		Status:           t.Status,
		Priority:         t.Priority,
		CurrentIteration: t.CurrentIteration,
		MaxIterations:    t.MaxIterations,
		StepsDone:        t.DoneSteps(),
		StepsTotal:       len(t.Steps),
	}
}

func (s *Server) listTasks(queue string) ([]taskSummary, error) {
	if s.deps.Tasks == nil {
		return nil, fmt.Errorf("task store %w", errUnavailable)
	}
	q, err := parseQueue(queue)
	if err != nil {
		return nil, err
	}
	list, err := s.deps.Tasks.List(q)
	if err != nil {
		return nil, err
	}
	out := make([]taskSummary, len(list))
	for i, t := range list {
		out[i] = summarize(t, q)
	}
	return out, nil
}

type taskDetail struct {
	Queue vault.Queue `json:"queue"`
	*tasks.Task
}

func (s *Server) checkTask(id string) (*taskDetail, error) {
	if s.deps.Tasks == nil {
		return nil, fmt.Errorf("task store %w", errUnavailable)
	}
	t, q, err := s.deps.Tasks.Get(id)
	if err != nil {
		return nil, err
	}
	return &taskDetail{Queue: q, Task: t}, nil
}

func (s *Server) cancelTask(id, reason string) error {
	if reason == "" {
		reason = "cancelled via gateway"
	}
	if s.deps.Canceller != nil {
		return s.deps.Canceller.Cancel(id, reason)
	}
	if s.deps.Tasks == nil {
		return fmt.Errorf("task store %w", errUnavailable)
	}
	_, err := s.deps.Tasks.Cancel(id, reason)
	return err
}

func (s *Server) clearFlag(name string) error {
	if s.deps.Status.Flags == nil {
		return fmt.Errorf("flags %w", errUnavailable)
	}
	flag, err := status.ParseFlag(name)
	if err != nil {
		return err
	}
	return s.deps.Status.Flags.Clear(flag)
}

// wsHandler serves websocket request frames with the same operations as the HTTP routes.
type wsHandler struct {
	s *Server
}

func (h *wsHandler) Status(ctx context.Context) (any, error) {
	return status.Summarize(ctx, h.s.deps.Status)
}

func (h *wsHandler) ListTasks(queue string) (any, error) {
	return h.s.listTasks(queue)
}

func (h *wsHandler) CheckTask(taskID string) (any, error) {
	return h.s.checkTask(taskID)
}

func (h *wsHandler) CancelTask(taskID, reason string) error {
	return h.s.cancelTask(taskID, reason)
}

func (h *wsHandler) ClearFlag(flag string) error {
	return h.s.clearFlag(flag)
}
