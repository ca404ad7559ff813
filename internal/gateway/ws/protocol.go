package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/hostbridge/internal/bridge"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	MethodExecuteTask      Method = "execute_task"
	MethodCheckTaskStatus  Method = "check_task_status"
	MethodListTasks        Method = "list_tasks"
	MethodInterruptTask    Method = "interrupt_task"
	MethodClearTasks       Method = "clear_tasks"
	MethodMarkTaskNotified Method = "mark_task_notified"
	MethodDiagnostic       Method = "diagnostic_execute"
	MethodWorkingDirectory Method = "get_working_directory"
	MethodPing             Method = "ping"
)

// ErrMalformedFrame is returned by UnmarshalFrame for frames that are
// valid JSON but miss the fields their type requires.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the WebSocket protocol envelope. Requests carry ID, Method and
// Params; responses echo the request ID with OK and Payload; events carry
// Event and the owning SessionID.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    Method          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// TaskParams addresses a single task.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

// ClearParams selects the sessions to clear.
type ClearParams struct {
	SessionID string `json:"session_id,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame decodes and validates a frame. A malformed frame is
// returned alongside the error so a request ID can still be answered.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	switch f.Type {
	case FrameTypeRequest:
		if f.ID == "" || f.Method == "" {
			return f, fmt.Errorf("%w: request needs id and method", ErrMalformedFrame)
		}
	case FrameTypeResponse:
		if f.ID == "" {
			return f, fmt.Errorf("%w: response needs id", ErrMalformedFrame)
		}
	case FrameTypeEvent:
		if f.Event == "" {
			return f, fmt.Errorf("%w: event needs a name", ErrMalformedFrame)
		}
	default:
		return f, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// NewEventFrame creates a Frame for broadcasting an event.
func NewEventFrame(event string, sessionID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      FrameTypeEvent,
		Event:     event,
		SessionID: sessionID,
		Payload:   data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// NewEnvelopeFrame wraps a handler envelope. Failed envelopes still carry
// their payload so clients see status and data alongside the error.
func NewEnvelopeFrame(id string, resp bridge.Response) (Frame, error) {
	errMsg := ""
	if !resp.OK() {
		errMsg = resp.Message
	}
	return NewResponseFrame(id, resp.OK(), resp, errMsg)
}
