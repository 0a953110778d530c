package events

import (
	"encoding/json"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID        string `json:"task_id"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
	Steps         int    `json:"steps"`
	MaxIterations int    `json:"max_iterations"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskClaimedPayload struct {
	TaskID string `json:"task_id"`
	Owner  string `json:"owner"`
}

func (TaskClaimedPayload) EventType() EventType { return EventTaskClaimed }

type TaskStepPayload struct {
	TaskID string `json:"task_id"`
	Step   string `json:"step"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
}

func (TaskStepPayload) EventType() EventType { return EventTaskStep }

type TaskIterationPayload struct {
	TaskID        string `json:"task_id"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
}

func (TaskIterationPayload) EventType() EventType { return EventTaskIteration }

// TaskFinishedPayload is shared by the terminal task events.
type TaskFinishedPayload struct {
	Type      EventType `json:"-"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
}

func (p TaskFinishedPayload) EventType() EventType { return p.Type }

// =============================================================================
// RECOVERY EVENTS
// =============================================================================

type ErrorRecordedPayload struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	Context  string `json:"context"`
	Message  string `json:"message"`
}

func (ErrorRecordedPayload) EventType() EventType { return EventErrorRecorded }

type RecoveryPayload struct {
	Context   string `json:"context"`
	Category  string `json:"category"`
	Outcome   string `json:"outcome"`
	Recovered bool   `json:"recovered"`
}

func (RecoveryPayload) EventType() EventType { return EventRecovery }

type DegradedPayload struct {
	Service   string   `json:"service"`
	Reason    string   `json:"reason"`
	Fallbacks []string `json:"fallbacks"`
}

func (DegradedPayload) EventType() EventType { return EventDegraded }

// =============================================================================
// STATUS EVENTS
// =============================================================================

type FlagPayload struct {
	Type    EventType `json:"-"`
	Flag    string    `json:"flag"`
	Reason  string    `json:"reason,omitempty"`
	Context string    `json:"context,omitempty"`
}

func (p FlagPayload) EventType() EventType { return p.Type }

// =============================================================================
// TYPED EVENT CONSTRUCTORS / EXTRACTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
