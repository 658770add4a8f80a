package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role classifies a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAgentText  Role = "agent_text"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is an immutable history entry. ID and Index are assigned by History.Append.
type Message struct {
	ID         string          `json:"id"`
	Index      int             `json:"index"`
	Role       Role            `json:"role"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserMessage builds a user-role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AgentTextMessage builds an agent text message.
func AgentTextMessage(text string) Message {
	return Message{Role: RoleAgentText, Text: text}
}

// ToolCallMessage records a proposed tool call. Results reference it by callID;
// the message itself gets its own id on Append since providers reuse call ids.
func ToolCallMessage(callID, toolName string, input json.RawMessage) Message {
	return Message{Role: RoleToolCall, ToolName: toolName, ToolCallID: callID, Input: input}
}

// ToolResultMessage records the outcome of a dispatched tool call.
func ToolResultMessage(callID, toolName string, output json.RawMessage, isError bool) Message {
	return Message{Role: RoleToolResult, ToolName: toolName, ToolCallID: callID, Output: output, IsError: isError}
}

// History is the ordered, append-only conversation of one session.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append assigns the next index (and an id when msg has none) and stores msg.
func (h *History) Append(msg Message) Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg.Index = len(h.messages)
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	h.messages = append(h.messages, msg)
	return msg
}

// Messages returns a snapshot copy of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Last returns the most recent message.
func (h *History) Last() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}
