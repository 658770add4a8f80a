// Package tools holds the built-in tool handlers registered with the dispatcher.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/agentgate/pkg/dispatch"
)

// ClientCaller executes a tool on the session's connected client.
type ClientCaller interface {
	RequestToolCall(ctx context.Context, sessionID, tool string, args map[string]interface{}) (json.RawMessage, error)
}

// Options configures the built-in tools.
type Options struct {
	// WorkspaceRoot bounds server-side file reads.
	WorkspaceRoot string
	// MaxReadBytes caps each file read. Zero means 200000.
	MaxReadBytes int64
	// Client runs remote tools. Without it write_file and run_terminal_command are not registered.
	Client ClientCaller
}

// Register adds the built-in tools to d.
func Register(d *dispatch.Dispatcher, opts Options) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}

	handlers := []dispatch.Handler{
		readFilesTool(opts),
		endTurnTool(),
		addMessageTool(),
	}
	if opts.Client != nil {
		handlers = append(handlers,
			writeFileTool(opts.Client),
			runTerminalCommandTool(opts.Client),
		)
	}

	for _, h := range handlers {
		if err := d.Register(h); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", h.Definition().Name, err)
		}
	}
	return nil
}
