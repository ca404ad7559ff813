// Package bridge is the transport-neutral request surface: every gateway
// (WebSocket, HTTP, MCP) calls the same Service methods and relays the
// returned envelope.
package bridge

import "github.com/dohr-michael/hostbridge/internal/tasks"

// Envelope statuses that are not task statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
	StatusTimeout  = "timeout"
)

// Response types.
const (
	TypeResult           = "result"
	TypeDiagnosticResult = "diagnostic_result"
	TypePong             = "pong"
)

// Response is the envelope every handler returns. Failures are data: a
// handler never returns a Go error to the transport.
type Response struct {
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	Message       string      `json:"message"`
	Data          any         `json:"data"`
	Pagination    *Pagination `json:"pagination,omitempty"`
	ExecutionPath string      `json:"execution_path,omitempty"`
}

// OK reports whether the request was served (including not-yet-finished
// tasks and failed task outcomes, which are data).
func (r Response) OK() bool {
	switch r.Status {
	case StatusError, StatusNotFound, StatusTimeout:
		return false
	}
	return true
}

// Pagination describes the window returned by ListTasks.
type Pagination struct {
	TotalCount     int  `json:"total_count"`
	DisplayedCount int  `json:"displayed_count"`
	Offset         int  `json:"offset"`
	Limit          int  `json:"limit"`
	HasMore        bool `json:"has_more"`
}

func paginationOf(p tasks.Page) *Pagination {
	return &Pagination{
		TotalCount:     p.TotalCount,
		DisplayedCount: p.DisplayedCount,
		Offset:         p.Offset,
		Limit:          p.Limit,
		HasMore:        p.HasMore,
	}
}

func success(msg string, data any) Response {
	return Response{Type: TypeResult, Status: StatusSuccess, Message: msg, Data: data}
}

func failure(msg string, data any) Response {
	return Response{Type: TypeResult, Status: StatusError, Message: msg, Data: data}
}

// required is the submission error for a missing field.
func required(field string) Response {
	return failure(field+" required", nil)
}
