package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind identifies a frame type on the wire.
type Kind string

const (
	KindRunRequest       Kind = "run_request"
	KindAgentText        Kind = "agent_text"
	KindToolCallRequest  Kind = "tool_call_request"
	KindToolCallResult   Kind = "tool_call_result"
	KindReconnectRequest Kind = "reconnect_request"
	KindSessionComplete  Kind = "session_complete"
	KindCancel           Kind = "cancel"
	KindError            Kind = "error"

	KindAuthChallenge Kind = "auth.challenge"
	KindAuthResponse  Kind = "auth.response"
	KindAuthResult    Kind = "auth.result"
)

// CompletionReason is the terminal reason reported in session_complete.
type CompletionReason string

const (
	ReasonFinished       CompletionReason = "finished"
	ReasonBudgetExceeded CompletionReason = "budget_exceeded"
	ReasonQuotaExceeded  CompletionReason = "quota_exceeded"
	ReasonCancelled      CompletionReason = "cancelled"
	ReasonError          CompletionReason = "error"
)

// Describe returns the default human-readable text for a reason.
func (r CompletionReason) Describe() string {
	switch r {
	case ReasonFinished:
		return "agent finished"
	case ReasonBudgetExceeded:
		return "step budget exhausted"
	case ReasonQuotaExceeded:
		return "usage quota exceeded"
	case ReasonCancelled:
		return "session cancelled"
	case ReasonError:
		return "session failed"
	default:
		return string(r)
	}
}

// Frame is implemented by every concrete frame type.
type Frame interface {
	FrameKind() Kind
}

// Header carries the fields common to server-originated frames.
type Header struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RunRequest starts an agent run on the connection's session.
type RunRequest struct {
	Header
	Agent    string                 `json:"agent"`
	Message  string                 `json:"message"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	CWD      string                 `json:"cwd,omitempty"`
	// LocalAgents carries agent definitions from the client's project, resolvable
	// by bare name for this session only.
	LocalAgents []json.RawMessage `json:"local_agents,omitempty"`
}

// AgentText carries natural-language output of the agent.
type AgentText struct {
	Header
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ToolCallRequest asks the client to execute a tool locally.
type ToolCallRequest struct {
	Header
	CorrelationID string                 `json:"correlation_id"`
	ToolName      string                 `json:"tool_name"`
	Args          map[string]interface{} `json:"args"`
}

// ToolCallResult answers a ToolCallRequest.
type ToolCallResult struct {
	Header
	CorrelationID string          `json:"correlation_id"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ReconnectRequest asks the client to drop and re-establish its connection.
type ReconnectRequest struct {
	Header
	Reason string `json:"reason,omitempty"`
}

// SessionComplete is the last frame a client receives for a run.
type SessionComplete struct {
	Header
	Reason  CompletionReason `json:"reason"`
	Message string           `json:"message"`
	Steps   int              `json:"steps"`
}

// Cancel asks the server to stop the running session.
type Cancel struct {
	Header
}

// ErrorFrame reports a protocol-level problem with an inbound frame.
type ErrorFrame struct {
	Header
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AuthChallenge is sent right after the websocket upgrade.
type AuthChallenge struct {
	Header
	Challenge       string `json:"challenge"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AuthResponse carries the HMAC signature of the challenge.
type AuthResponse struct {
	Header
	Signature string `json:"signature"`
	ClientID  string `json:"client_id,omitempty"`
}

// AuthResult reports the handshake outcome and, on success, the session id.
type AuthResult struct {
	Header
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (RunRequest) FrameKind() Kind       { return KindRunRequest }
func (AgentText) FrameKind() Kind        { return KindAgentText }
func (ToolCallRequest) FrameKind() Kind  { return KindToolCallRequest }
func (ToolCallResult) FrameKind() Kind   { return KindToolCallResult }
func (ReconnectRequest) FrameKind() Kind { return KindReconnectRequest }
func (SessionComplete) FrameKind() Kind  { return KindSessionComplete }
func (Cancel) FrameKind() Kind           { return KindCancel }
func (ErrorFrame) FrameKind() Kind       { return KindError }
func (AuthChallenge) FrameKind() Kind    { return KindAuthChallenge }
func (AuthResponse) FrameKind() Kind     { return KindAuthResponse }
func (AuthResult) FrameKind() Kind       { return KindAuthResult }

// Protocol error codes, aligned with JSON-RPC where a counterpart exists.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeUnknownFrame   = -32601
	CodeAuthRequired   = -32001
	CodeRateLimited    = -32005
	CodeBusy           = -32006
)

var (
	// ErrUnknownFrame is returned by Decode for an unrecognised type field.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrMalformedFrame is returned by Decode for invalid JSON or a missing type.
	ErrMalformedFrame = errors.New("malformed frame")
)

// PeekKind returns the type field of a raw frame without decoding the rest.
func PeekKind(data []byte) (Kind, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformedFrame
	}
	kind := gjson.GetBytes(data, "type")
	if kind.Type != gjson.String || kind.Str == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return Kind(kind.Str), nil
}

// Decode parses a raw frame into its concrete type.
func Decode(data []byte) (Frame, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return nil, err
	}

	var frame Frame
	switch kind {
	case KindRunRequest:
		frame = &RunRequest{}
	case KindToolCallResult:
		frame = &ToolCallResult{}
	case KindCancel:
		frame = &Cancel{}
	case KindAuthResponse:
		frame = &AuthResponse{}
	case KindAgentText:
		frame = &AgentText{}
	case KindToolCallRequest:
		frame = &ToolCallRequest{}
	case KindReconnectRequest:
		frame = &ReconnectRequest{}
	case KindSessionComplete:
		frame = &SessionComplete{}
	case KindAuthChallenge:
		frame = &AuthChallenge{}
	case KindAuthResult:
		frame = &AuthResult{}
	case KindError:
		frame = &ErrorFrame{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, kind)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// Encode marshals a frame, filling in its type field.
func Encode(frame Frame) ([]byte, error) {
	setKind(frame)
	return json.Marshal(frame)
}

// Stamp sets the header fields the switchboard owns on an outbound frame.
func Stamp(frame Frame, sessionID string, seq int64, timestamp int64) {
	if h := header(frame); h != nil {
		h.Type = frame.FrameKind()
		h.SessionID = sessionID
		h.Seq = seq
		h.Timestamp = timestamp
	}
}

func setKind(frame Frame) {
	if h := header(frame); h != nil {
		h.Type = frame.FrameKind()
	}
}

func header(frame Frame) *Header {
	switch f := frame.(type) {
	case *RunRequest:
		return &f.Header
	case *AgentText:
		return &f.Header
	case *ToolCallRequest:
		return &f.Header
	case *ToolCallResult:
		return &f.Header
	case *ReconnectRequest:
		return &f.Header
	case *SessionComplete:
		return &f.Header
	case *Cancel:
		return &f.Header
	case *ErrorFrame:
		return &f.Header
	case *AuthChallenge:
		return &f.Header
	case *AuthResponse:
		return &f.Header
	case *AuthResult:
		return &f.Header
	}
	return nil
}
