package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/agentgate/pkg/dispatch"
)

// Model message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ModelMessage is one provider-neutral conversation turn.
type ModelMessage struct {
	Role       string
	Content    string
	ToolCalls  []dispatch.ToolCall
	ToolCallID string
	IsError    bool
}

// ModelRequest is everything a provider needs for one step.
type ModelRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ModelMessage
	Tools        []dispatch.ToolSpec
	MaxTokens    int
	Temperature  float64
}

// TokenUsage is the provider-reported token count of one call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// ModelResponse is either final text (no tool calls) or a list of tool calls,
// optionally with accompanying text.
type ModelResponse struct {
	Text      string
	ToolCalls []dispatch.ToolCall
	Usage     TokenUsage
}

// ModelClient invokes a language model.
type ModelClient interface {
	Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	// Provider names the backend for metrics and logs.
	Provider() string
}

// ModelInvocationError is a model call that failed after all retries.
type ModelInvocationError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model call to %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// RetryableError marks an error as transient regardless of its text.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryableError checks if a model error should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
