package agent

import (
	"encoding/json"

	"github.com/harun/agentgate/pkg/dispatch"
	"github.com/harun/agentgate/pkg/session"
)

// BuildModelMessages converts session history into provider-neutral turns.
// Text and tool calls of one step are merged into a single assistant turn, and
// user notes recorded while tool calls were outstanding are moved after their
// results so every tool call is immediately answered.
func BuildModelMessages(history []session.Message) []ModelMessage {
	var (
		out      []ModelMessage
		pending  = map[string]bool{}
		deferred []ModelMessage
	)

	flush := func() {
		if len(pending) == 0 && len(deferred) > 0 {
			out = append(out, deferred...)
			deferred = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case session.RoleUser:
			m := ModelMessage{Role: RoleUser, Content: msg.Text}
			if len(pending) > 0 {
				deferred = append(deferred, m)
				continue
			}
			out = append(out, m)

		case session.RoleAgentText:
			out = append(out, ModelMessage{Role: RoleAssistant, Content: msg.Text})

		case session.RoleToolCall:
			call := dispatch.ToolCall{ID: msg.ToolCallID, Name: msg.ToolName}
			if call.ID == "" {
				call.ID = msg.ID
			}
			if len(msg.Input) > 0 {
				_ = json.Unmarshal(msg.Input, &call.Input)
			}
			pending[call.ID] = true

			if n := len(out); n > 0 && out[n-1].Role == RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			} else {
				out = append(out, ModelMessage{Role: RoleAssistant, ToolCalls: []dispatch.ToolCall{call}})
			}

		case session.RoleToolResult:
			out = append(out, ModelMessage{
				Role:       RoleTool,
				Content:    string(msg.Output),
				ToolCallID: msg.ToolCallID,
				IsError:    msg.IsError,
			})
			delete(pending, msg.ToolCallID)
			flush()
		}
	}

	// Calls never answered (discarded batches) release their deferred notes at the end.
	out = append(out, deferred...)
	return out
}
