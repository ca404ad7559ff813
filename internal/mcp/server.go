package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
)

// Caller sends one request to the gateway and returns its response frame.
type Caller interface {
	Call(ctx context.Context, method ws.Method, params json.RawMessage) (ws.Frame, error)
}

// NewMCPServer creates an MCP server whose tools forward to the gateway.
// If filter is non-empty, only tools matching the filter (by tool name or
// group name) are exposed.
func NewMCPServer(caller Caller, filter, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "hostbridge",
		Version: version,
	}, nil)

	for i := range Tools {
		spec := &Tools[i]
		if filter != "" && !matchesFilter(spec, filter) {
			continue
		}

		server.AddTool(toolSpecToMCPTool(spec), func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			text, isError := invoke(ctx, caller, spec, req.Params.Arguments)
			return &mcpsdk.CallToolResult{
				IsError: isError,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
			}, nil
		})

		slog.Debug("mcp tool registered", "tool", spec.Name)
	}

	return server
}

// invoke forwards one tool call. A transport failure or a failed envelope is
// reported as a tool error, never as a protocol error.
func invoke(ctx context.Context, caller Caller, spec *ToolSpec, args json.RawMessage) (string, bool) {
	frame, err := caller.Call(ctx, spec.Method, args)
	if err != nil {
		slog.Debug("mcp tool error", "tool", spec.Name, "error", err)
		return err.Error(), true
	}
	ok := frame.OK != nil && *frame.OK
	if len(frame.Payload) == 0 {
		return frame.Error, !ok
	}

	var pretty any
	if err := json.Unmarshal(frame.Payload, &pretty); err != nil {
		return string(frame.Payload), !ok
	}
	text, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(frame.Payload), !ok
	}
	return string(text), !ok
}

// matchesFilter checks if a tool matches the filter, either by its own name
// or by its group.
func matchesFilter(spec *ToolSpec, filter string) bool {
	return spec.Name == filter || spec.Group == filter
}
