package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/harun/agentgate/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildModelMessages(t *testing.T) {
	h := session.NewHistory()
	h.Append(session.UserMessage("review"))
	h.Append(session.AgentTextMessage("looking"))
	h.Append(session.ToolCallMessage("c1", "read_files", json.RawMessage(`{"paths":["a.ts"]}`)))
	h.Append(session.ToolCallMessage("c2", "add_message", json.RawMessage(`{"text":"note"}`)))
	h.Append(session.UserMessage("note"))
	h.Append(session.ToolResultMessage("c1", "read_files", json.RawMessage(`"content"`), false))
	h.Append(session.ToolResultMessage("c2", "add_message", json.RawMessage(`{"error":"x"}`), true))
	h.Append(session.AgentTextMessage("done"))

	msgs := BuildModelMessages(h.Messages())
	require.Len(t, msgs, 6)

	assert.Equal(t, RoleUser, msgs[0].Role)

	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "looking", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, "c1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, []interface{}{"a.ts"}, msgs[1].ToolCalls[0].Input["paths"])

	assert.Equal(t, RoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, RoleTool, msgs[3].Role)
	assert.True(t, msgs[3].IsError)

	// The note recorded mid-batch follows the results.
	assert.Equal(t, RoleUser, msgs[4].Role)
	assert.Equal(t, "note", msgs[4].Content)
	assert.Equal(t, "done", msgs[5].Content)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryableError(&RetryableError{Err: errors.New("anything")}))
	assert.False(t, IsRetryableError(errors.New("400 invalid request")))
}
