package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentgate/pkg/dispatch"
)

var remoteCapabilities = dispatch.Capabilities{Mutates: true, Remote: true}

func writeFileTool(client ClientCaller) dispatch.Handler {
	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:        "write_file",
			Description: "Write a file in the user's project.",
			Parameters: []dispatch.ToolParameter{
				{Name: "path", Type: "string", Description: "Relative file path", Required: true},
				{Name: "content", Type: "string", Description: "File content", Required: true},
			},
			Capabilities: remoteCapabilities,
		},
		Fn: remoteHandler(client),
	}
}

func runTerminalCommandTool(client ClientCaller) dispatch.Handler {
	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:        "run_terminal_command",
			Description: "Run a shell command in the user's project.",
			Parameters: []dispatch.ToolParameter{
				{Name: "command", Type: "string", Description: "Command line", Required: true},
				{Name: "cwd", Type: "string", Description: "Working directory relative to the project"},
				{Name: "timeout_seconds", Type: "number", Description: "Timeout in seconds"},
			},
			Capabilities: remoteCapabilities,
		},
		Fn: remoteHandler(client),
	}
}

// remoteHandler forwards the call to the client once every earlier mutating call
// has applied.
func remoteHandler(client ClientCaller) func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
	return func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
		if err := call.Wait(ctx); err != nil {
			return dispatch.Output{}, err
		}

		raw, err := client.RequestToolCall(ctx, call.Session.ID, call.Name, call.Input)
		if err != nil {
			return dispatch.Output{}, err
		}
		if len(raw) == 0 {
			return dispatch.Output{}, nil
		}

		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return dispatch.Output{}, fmt.Errorf("invalid client output: %w", err)
		}
		return dispatch.Output{Value: value}, nil
	}
}
