package switchboard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotConnected is returned when a frame targets a session without a live connection.
	ErrSessionNotConnected = errors.New("session not connected")
	// ErrShuttingDown is returned for work refused after Shutdown began.
	ErrShuttingDown = errors.New("switchboard shutting down")
	// ErrOutboundOverflow is reported when a connection's outbound queue is full.
	ErrOutboundOverflow = errors.New("outbound queue full")
)

// TransportError reports a failed read or write on one connection.
type TransportError struct {
	ConnID    string
	SessionID string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("transport %s failed on connection %s (session %s): %v", e.Op, e.ConnID, e.SessionID, e.Err)
	}
	return fmt.Sprintf("transport %s failed on connection %s: %v", e.Op, e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CorrelationTimeoutError is returned by RequestToolCall when the client does
// not answer in time.
type CorrelationTimeoutError struct {
	CorrelationID string
	Tool          string
	Timeout       time.Duration
}

func (e *CorrelationTimeoutError) Error() string {
	return fmt.Sprintf("client tool %s (%s) did not answer within %s", e.Tool, e.CorrelationID, e.Timeout)
}

// ClientToolError is an error reported by the client in a tool_call_result.
type ClientToolError struct {
	Tool    string
	Message string
}

func (e *ClientToolError) Error() string {
	return fmt.Sprintf("client tool %s failed: %s", e.Tool, e.Message)
}
