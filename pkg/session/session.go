package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a step loop state.
type State string

const (
	StateAwaitingModel State = "AWAITING_MODEL"
	StateDispatching   State = "DISPATCHING"
	StateTerminal      State = "TERMINAL"
)

// Session is one client connection's active agent run.
type Session struct {
	ID        string
	ConnID    string
	CreatedAt time.Time

	history    *History
	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	mu           sync.RWMutex
	agentID      string
	agentVersion string
	steps        int
	state        State
	reason       string
	detail       string
	cwd          string
	metadata     map[string]interface{}
}

// New creates a session bound to a connection.
func New(connID string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		ConnID:    connID,
		CreatedAt: time.Now(),
		history:   NewHistory(),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateAwaitingModel,
		metadata:  make(map[string]interface{}),
	}
}

// History returns the session's conversation history.
func (s *Session) History() *History {
	return s.history
}

// Cancel sets the cancellation flag. The step loop observes it at its check points.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// CancelRequested is closed once Cancel has been called.
func (s *Session) CancelRequested() <-chan struct{} {
	return s.cancelCh
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// SetAgent records the resolved agent identifier and version.
func (s *Session) SetAgent(id, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = id
	s.agentVersion = version
}

// Agent returns the resolved agent identifier and version.
func (s *Session) Agent() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID, s.agentVersion
}

// SetWorkingDir records the client's working directory for tool handlers.
func (s *Session) SetWorkingDir(cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = cwd
}

// WorkingDir returns the client's working directory.
func (s *Session) WorkingDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// SetMetadata stores client-provided session metadata.
func (s *Session) SetMetadata(md map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range md {
		s.metadata[k] = v
	}
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// IncrementSteps counts one consumed step and returns the new total.
func (s *Session) IncrementSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	return s.steps
}

// Steps returns the number of consumed steps.
func (s *Session) Steps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steps
}

// SetState moves the session to a non-terminal state. It is a no-op once terminal.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminal {
		return
	}
	s.state = state
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Terminate moves the session to TERMINAL with a reason. Only the first call wins.
func (s *Session) Terminate(reason, detail string) bool {
	s.mu.Lock()
	if s.state == StateTerminal {
		s.mu.Unlock()
		return false
	}
	s.state = StateTerminal
	s.reason = reason
	s.detail = detail
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	return true
}

// Reason returns the terminal reason and its human-readable detail.
func (s *Session) Reason() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason, s.detail
}

// Done is closed when the session becomes terminal.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot is a read-only view of a session used for listings and transcripts.
type Snapshot struct {
	ID           string                 `json:"id"`
	ConnID       string                 `json:"conn_id"`
	AgentID      string                 `json:"agent_id,omitempty"`
	AgentVersion string                 `json:"agent_version,omitempty"`
	State        State                  `json:"state"`
	Reason       string                 `json:"reason,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
	Steps        int                    `json:"steps"`
	Cancelled    bool                   `json:"cancelled"`
	CreatedAt    time.Time              `json:"created_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Messages     []Message              `json:"messages,omitempty"`
}

// Snapshot returns a copy of the session state. Messages are included when withHistory is set.
func (s *Session) Snapshot(withHistory bool) Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		ID:           s.ID,
		ConnID:       s.ConnID,
		AgentID:      s.agentID,
		AgentVersion: s.agentVersion,
		State:        s.state,
		Reason:       s.reason,
		Detail:       s.detail,
		Steps:        s.steps,
		Cancelled:    s.cancelled.Load(),
		CreatedAt:    s.CreatedAt,
	}
	s.mu.RUnlock()

	snap.Metadata = s.Metadata()
	if withHistory {
		snap.Messages = s.history.Messages()
	}
	return snap
}
