package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/agentgate/pkg/dispatch"
	"github.com/harun/agentgate/pkg/session"
)

func endTurnTool() dispatch.Handler {
	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:         "end_turn",
			Description:  "End the agent's turn. Remaining tool calls in the batch are discarded.",
			Capabilities: dispatch.Capabilities{EndsTurn: true},
		},
		Fn: func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
			return dispatch.Output{Value: map[string]interface{}{"ended": true}, EndTurn: true}, nil
		},
	}
}

// addMessageTool appends a user-role note to the session history. It mutates
// history, so it waits for the previous mutating call first.
func addMessageTool() dispatch.Handler {
	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:        "add_message",
			Description: "Add a note to the conversation as a user message.",
			Parameters: []dispatch.ToolParameter{
				{Name: "content", Type: "string", Description: "Message text", Required: true},
			},
			Capabilities: dispatch.Capabilities{Mutates: true},
		},
		Fn: func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
			content, _ := call.Input["content"].(string)
			if strings.TrimSpace(content) == "" {
				return dispatch.Output{}, errors.New("content is required")
			}
			if err := call.Wait(ctx); err != nil {
				return dispatch.Output{}, err
			}
			msg := call.Session.History().Append(session.UserMessage(content))
			return dispatch.Output{Value: map[string]interface{}{"index": msg.Index}}, nil
		},
	}
}
