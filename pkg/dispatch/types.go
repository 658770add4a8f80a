package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentgate/pkg/session"
)

// ToolCall is one proposed invocation. ID is the id of the tool_call message
// that carried it.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Capabilities declares how a handler interacts with shared state.
type Capabilities struct {
	// Mutates marks handlers that change session history or client-visible state.
	// They are serialized through the gate chain.
	Mutates bool
	// EndsTurn marks handlers that end the agent's turn. The dispatcher waits for
	// in-flight calls, runs the handler, and discards the rest of the batch.
	EndsTurn bool
	// Remote marks handlers executed by the connected client.
	Remote bool
}

// ToolParameter describes one input parameter of a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	// Items is the element type for array parameters.
	Items string `json:"items,omitempty"`
}

// ToolDefinition is a tool's metadata.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   []ToolParameter `json:"parameters"`
	Capabilities Capabilities    `json:"-"`
}

// Handler executes one tool.
type Handler interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, call *Call) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, call *Call) (Output, error)
}

func (h HandlerFunc) Definition() ToolDefinition { return h.Def }

func (h HandlerFunc) Execute(ctx context.Context, call *Call) (Output, error) {
	return h.Fn(ctx, call)
}

// Call is the handler's view of one invocation.
type Call struct {
	ToolCall
	Session *session.Session
	// Index is the call's position in its batch.
	Index int

	gate *Gate
}

// Wait blocks until the previous mutating call in the batch has completed.
// Read-only calls return immediately.
func (c *Call) Wait(ctx context.Context) error {
	return c.gate.Wait(ctx)
}

// Release signals that this call has applied its mutation. Calling it is
// optional; the dispatcher releases every gate after its handler returns.
func (c *Call) Release() {
	c.gate.Release()
}

// Output is a handler's successful result.
type Output struct {
	Value interface{}
	// EndTurn asks the step loop to stop after this batch. Calls not yet started are discarded.
	EndTurn bool
}

// Result is the outcome of one call.
type Result struct {
	CallID    string        `json:"call_id"`
	ToolName  string        `json:"tool_name"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	EndTurn   bool          `json:"end_turn,omitempty"`
	Duration  time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// IsError reports whether the call failed.
func (r Result) IsError() bool {
	return r.Error != ""
}

// Outcome is the result of a batch.
type Outcome struct {
	// Results holds one entry per started call, in emission order.
	Results []Result
	// Discarded holds calls that never applied: calls not started, and mutating
	// calls refused at their gate because the session was cancelled.
	Discarded []ToolCall
	// EndTurn is set when a call ended the turn.
	EndTurn bool
	// Cancelled is set when the session's cancellation flag stopped the batch.
	Cancelled bool
}

// ErrCancelled is returned by Gate.Wait when the session was cancelled before
// the call could apply its mutation.
var ErrCancelled = errors.New("session cancelled")

// ToolDispatchError wraps a single call's failure.
type ToolDispatchError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolDispatchError) Unwrap() error {
	return e.Err
}
