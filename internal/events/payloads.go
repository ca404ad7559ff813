package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	ScriptPath  string `json:"script_path,omitempty"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskStatusPayload struct {
	TaskID   string `json:"task_id"`
	Previous string `json:"previous"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

func (TaskStatusPayload) EventType() EventType { return EventTaskStatus }

type TaskInterruptRequestedPayload struct {
	TaskID string `json:"task_id"`
}

func (TaskInterruptRequestedPayload) EventType() EventType { return EventTaskInterruptRequested }

type TasksClearedPayload struct {
	Filter string `json:"filter,omitempty"`
	Count  int    `json:"count"`
}

func (TasksClearedPayload) EventType() EventType { return EventTasksCleared }

// =============================================================================
// DIAGNOSTIC EVENTS
// =============================================================================

type DiagnosticExecutedPayload struct {
	Path     string `json:"path"`
	Attempts int    `json:"attempts"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

func (DiagnosticExecutedPayload) EventType() EventType { return EventDiagnosticExecuted }

type DiagnosticTimeoutPayload struct {
	Attempts int    `json:"attempts"`
	Budget   string `json:"budget"`
	Reason   string `json:"reason"`
}

func (DiagnosticTimeoutPayload) EventType() EventType { return EventDiagnosticTimeout }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewTypedEventWithSession(source, payload, "")
}

func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	return Event{
		ID:        newEventID(),
		SessionID: sessionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
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

// ExtractPayload decodes an event payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
