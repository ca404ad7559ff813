// Package mcp exposes the gateway's request methods as MCP tools.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
)

// ParamSpec describes one tool argument.
type ParamSpec struct {
	Type        string
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// ToolSpec maps an MCP tool onto a gateway method.
type ToolSpec struct {
	Name        string
	Group       string
	Description string
	Method      ws.Method
	Parameters  map[string]ParamSpec
}

var taskStatuses = []string{"pending", "running", "completed", "failed", "interrupted"}

// Tools is the catalogue served by mcp-serve.
var Tools = []ToolSpec{
	{
		Name:        "execute_task",
		Group:       "tasks",
		Description: "Queue a script for execution on the host's main thread. Returns immediately with a task id.",
		Method:      ws.MethodExecuteTask,
		Parameters: map[string]ParamSpec{
			"session_id":  {Type: "string", Description: "Session that owns the task", Required: true},
			"script_path": {Type: "string", Description: "Script to run, absolute or relative to the working directory", Required: true},
			"description": {Type: "string", Description: "Human readable label"},
		},
	},
	{
		Name:        "check_task_status",
		Group:       "tasks",
		Description: "Report the status, output and result of a task.",
		Method:      ws.MethodCheckTaskStatus,
		Parameters: map[string]ParamSpec{
			"task_id": {Type: "string", Description: "Task id returned by execute_task", Required: true},
		},
	},
	{
		Name:        "list_tasks",
		Group:       "tasks",
		Description: "List tracked tasks, newest first.",
		Method:      ws.MethodListTasks,
		Parameters: map[string]ParamSpec{
			"session_id": {Type: "string", Description: "Session id or glob pattern"},
			"status":     {Type: "string", Description: "Only tasks in this status", Enum: taskStatuses},
			"offset":     {Type: "integer", Description: "Tasks to skip", Default: 0},
			"limit":      {Type: "integer", Description: "Maximum tasks to return (0 = all)", Default: 0},
		},
	},
	{
		Name:        "interrupt_task",
		Group:       "tasks",
		Description: "Ask a pending or running task to stop.",
		Method:      ws.MethodInterruptTask,
		Parameters: map[string]ParamSpec{
			"task_id": {Type: "string", Description: "Task to interrupt", Required: true},
		},
	},
	{
		Name:        "clear_tasks",
		Group:       "tasks",
		Description: "Forget tasks and their logs. Irreversible.",
		Method:      ws.MethodClearTasks,
		Parameters: map[string]ParamSpec{
			"session_id": {Type: "string", Description: "Session id or glob pattern (empty = all sessions)"},
		},
	},
	{
		Name:        "mark_task_notified",
		Group:       "tasks",
		Description: "Record that a task's completion was reported.",
		Method:      ws.MethodMarkTaskNotified,
		Parameters: map[string]ParamSpec{
			"task_id": {Type: "string", Description: "Task id", Required: true},
		},
	},
	{
		Name:        "diagnostic_execute",
		Group:       "diagnostics",
		Description: "Run a short read-only script, even while a task occupies the main thread.",
		Method:      ws.MethodDiagnostic,
		Parameters: map[string]ParamSpec{
			"script_path": {Type: "string", Description: "Diagnostic script", Required: true},
			"timeout_ms":  {Type: "integer", Description: "Overall deadline in milliseconds"},
		},
	},
	{
		Name:        "get_working_directory",
		Group:       "diagnostics",
		Description: "Report the directory scripts run in.",
		Method:      ws.MethodWorkingDirectory,
		Parameters:  map[string]ParamSpec{},
	},
	{
		Name:        "ping",
		Group:       "diagnostics",
		Description: "Check that the host is reachable.",
		Method:      ws.MethodPing,
		Parameters:  map[string]ParamSpec{},
	},
}

// toolSpecToMCPTool converts a ToolSpec to an mcp.Tool with JSON Schema.
func toolSpecToMCPTool(spec *ToolSpec) *mcpsdk.Tool {
	props := make(map[string]any, len(spec.Parameters))
	var required []string

	for name, p := range spec.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop

		if p.Required {
			required = append(required, name)
		}
	}

	// Sort required for deterministic output
	sort.Strings(required)

	inputSchema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        spec.Name,
		Description: spec.Description,
		InputSchema: inputSchema,
	}
}
