package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/agentgate/pkg/dispatch"
)

// ScriptedTurn is one canned model reply. A non-nil Err is returned instead of the response.
type ScriptedTurn struct {
	Response *ModelResponse
	Err      error
}

// ScriptedModel replays canned turns in order. Tests inject it wherever a
// ModelClient is expected.
type ScriptedModel struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	requests []ModelRequest
	// Block, when set, is waited on before every reply.
	Block <-chan struct{}
}

// NewScriptedModel creates a ScriptedModel.
func NewScriptedModel(turns ...ScriptedTurn) *ScriptedModel {
	return &ScriptedModel{turns: turns}
}

// Text is a final-text turn.
func Text(text string) ScriptedTurn {
	return ScriptedTurn{Response: &ModelResponse{Text: text}}
}

// Calls is a tool-call turn. Calls without an id get one from the loop.
func Calls(calls ...dispatch.ToolCall) ScriptedTurn {
	return ScriptedTurn{Response: &ModelResponse{ToolCalls: calls}}
}

// Fail is a failing turn.
func Fail(err error) ScriptedTurn {
	return ScriptedTurn{Err: err}
}

// Provider returns "scripted".
func (m *ScriptedModel) Provider() string { return "scripted" }

// Invoke implements ModelClient.
func (m *ScriptedModel) Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.turns) == 0 {
		return nil, errors.New("scripted model exhausted")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Response, nil
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRequest(nil), m.requests...)
}

// CallCount returns how many times Invoke was called.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
