package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // connection or session id
	Action    string                 `json:"action"`          // e.g. "handshake", "client_tool:write_file"
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// Auditor writes audit events as JSON lines.
type Auditor struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = &Auditor{logger: zerolog.Nop()}
)

// NewAuditor returns an auditor writing to w.
func NewAuditor(w io.Writer) *Auditor {
	return &Auditor{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// OpenAuditFile returns an auditor appending to path.
func OpenAuditFile(path string) (*Auditor, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	a := NewAuditor(file)
	a.closer = file
	return a, nil
}

// SetAuditor installs the process-wide auditor. A nil auditor disables auditing.
func SetAuditor(a *Auditor) {
	if a == nil {
		a = &Auditor{logger: zerolog.Nop()}
	}
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
}

func auditor() *Auditor {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// Record writes the event and mirrors it onto the active span.
func (a *Auditor) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close releases the underlying file, if any.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// RecordHandshakeAudit records the outcome of a connection handshake.
func RecordHandshakeAudit(ctx context.Context, connID, remoteAddr, status string) {
	auditor().Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    connID,
		Action:   "handshake",
		Status:   status,
		Metadata: map[string]interface{}{"remote_addr": remoteAddr},
	})
}

// RecordClientToolAudit records a tool executed on a connected client.
func RecordClientToolAudit(ctx context.Context, sessionID, tool, outcome string) {
	auditor().Record(ctx, AuditEvent{
		Type:   "tool",
		Actor:  sessionID,
		Action: "client_tool:" + tool,
		Status: outcome,
	})
}

// RecordPublishAudit records an agent template publish.
func RecordPublishAudit(ctx context.Context, agentID, version string) {
	auditor().Record(ctx, AuditEvent{
		Type:     "registry",
		Action:   "publish",
		Status:   "success",
		Metadata: map[string]interface{}{"agent": agentID, "version": version},
	})
}
