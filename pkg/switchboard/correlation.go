package switchboard

import (
	"sync"

	"github.com/harun/agentgate/pkg/protocol"
)

type correlationOutcome struct {
	result *protocol.ToolCallResult
	err    error
}

type pendingCall struct {
	sessionID string
	tool      string
	ch        chan correlationOutcome
}

// correlationTable pairs outstanding tool_call_request frames with their results.
type correlationTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{calls: make(map[string]*pendingCall)}
}

func (t *correlationTable) register(id, sessionID, tool string) <-chan correlationOutcome {
	ch := make(chan correlationOutcome, 1)
	t.mu.Lock()
	t.calls[id] = &pendingCall{sessionID: sessionID, tool: tool, ch: ch}
	t.mu.Unlock()
	return ch
}

func (t *correlationTable) remove(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// resolve delivers a result. It returns false for unknown ids and for results
// arriving from a session other than the one the request was sent to.
func (t *correlationTable) resolve(sessionID string, result *protocol.ToolCallResult) bool {
	t.mu.Lock()
	call, ok := t.calls[result.CorrelationID]
	if ok && call.sessionID == sessionID {
		delete(t.calls, result.CorrelationID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.ch <- correlationOutcome{result: result}
	return true
}

// failSession fails every outstanding call of a session with err.
func (t *correlationTable) failSession(sessionID string, err error) int {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.calls {
		if call.sessionID == sessionID {
			failed = append(failed, call)
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.ch <- correlationOutcome{err: err}
	}
	return len(failed)
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
