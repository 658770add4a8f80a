package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/agent"
	"github.com/harun/agentgate/pkg/commandqueue"
	"github.com/harun/agentgate/pkg/protocol"
	"github.com/harun/agentgate/pkg/registry"
	"github.com/harun/agentgate/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ProtocolVersion is announced in auth.challenge.
const ProtocolVersion = 1

const (
	defaultClientToolTimeout = 60 * time.Second
	defaultOutboundBuffer    = 256
	defaultHandshakeTimeout  = 10 * time.Second
	httpShutdownTimeout      = 5 * time.Second
)

var errAuthFailed = errors.New("authentication failed")

// Resolver turns a run_request's agent identifier into a definition.
type Resolver interface {
	Resolve(ctx context.Context, raw string, local map[string]*registry.AgentDefinition) (*registry.AgentDefinition, error)
}

// Runner drives one agent run to a terminal state.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, def *registry.AgentDefinition, input agent.RunInput) agent.Result
}

// Config configures a Switchboard.
type Config struct {
	Host string
	Port int
	// SharedSecret enables the HMAC handshake. Empty disables it.
	SharedSecret string

	// ClientToolTimeout bounds RequestToolCall. Zero means 60s.
	ClientToolTimeout time.Duration
	// OutboundBuffer is the per-connection outbound queue length. Zero means 256.
	OutboundBuffer int
	// HandshakeTimeout bounds each auth.response read. Zero means 10s.
	HandshakeTimeout time.Duration
	// RunRequestsPerMinute limits run requests per connection. Zero or less disables the limit.
	RunRequestsPerMinute int

	Resolver Resolver
	// Runner may also be set later with SetRunner, before the first run request.
	Runner Runner
	// Store holds live sessions. Nil creates one.
	Store *session.Store
	// Queue serializes runs per session. Nil creates one owned by the switchboard.
	Queue *commandqueue.CommandQueue
	// Archiver, when set, receives every terminal session's transcript.
	Archiver *session.Archiver
	// OnRetire, when set, is called with the id of every session dropped from the store.
	OnRetire func(sessionID string)

	Logger zerolog.Logger
}

// Switchboard owns live connections and routes frames between clients and runs.
type Switchboard struct {
	host              string
	port              int
	clientToolTimeout time.Duration
	outboundBuffer    int
	handshakeTimeout  time.Duration
	runsPerMinute     int

	auth         *Authenticator
	upgrader     websocket.Upgrader
	resolver     Resolver
	store        *session.Store
	queue        *commandqueue.CommandQueue
	ownsQueue    bool
	archiver     *session.Archiver
	onRetire     func(sessionID string)
	correlations *correlationTable
	logger       zerolog.Logger

	mu        sync.RWMutex
	runner    Runner
	conns     map[string]*connection
	bySession map[string]*connection

	// runMu orders run admission against the shutdown flag.
	runMu        sync.RWMutex
	shuttingDown atomic.Bool

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	startedAt  time.Time
}

// New creates a Switchboard.
func New(cfg Config) (*Switchboard, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("agent resolver is required")
	}
	if cfg.ClientToolTimeout <= 0 {
		cfg.ClientToolTimeout = defaultClientToolTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Store == nil {
		cfg.Store = session.NewStore()
	}
	ownsQueue := false
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New(commandqueue.WithLogger(cfg.Logger))
		ownsQueue = true
	}

	return &Switchboard{
		host:              cfg.Host,
		port:              cfg.Port,
		clientToolTimeout: cfg.ClientToolTimeout,
		outboundBuffer:    cfg.OutboundBuffer,
		handshakeTimeout:  cfg.HandshakeTimeout,
		runsPerMinute:     cfg.RunRequestsPerMinute,
		auth:              NewAuthenticator(cfg.SharedSecret),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		resolver:     cfg.Resolver,
		runner:       cfg.Runner,
		store:        cfg.Store,
		queue:        cfg.Queue,
		ownsQueue:    ownsQueue,
		archiver:     cfg.Archiver,
		onRetire:     cfg.OnRetire,
		correlations: newCorrelationTable(),
		logger:       cfg.Logger.With().Str("component", "switchboard").Logger(),
		conns:        make(map[string]*connection),
		bySession:    make(map[string]*connection),
		startedAt:    time.Now(),
	}, nil
}

// SetRunner installs the agent runner. The step loop needs the switchboard as
// its emitter, so it is usually built after the switchboard.
func (s *Switchboard) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

func (s *Switchboard) currentRunner() Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Switchboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Switchboard) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting switchboard")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Switchboard server error")
		}
	}()
	return nil
}

// Addr returns the listening address once Start succeeded.
func (s *Switchboard) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Switchboard) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.shuttingDown.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}

	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"connections": conns,
		"sessions":    s.store.Count(),
		"uptime_sec":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Switchboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate connection id")
		ws.Close()
		return
	}

	c := newConnection(connID, ws, r.RemoteAddr, NewRunLimiter(s.runsPerMinute, 1), s.outboundBuffer)
	s.logger.Info().
		Str("conn_id", connID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	s.wg.Add(1)
	go s.serveConn(c)
}

// serveConn runs the handshake, binds the first session and pumps inbound frames.
func (s *Switchboard) serveConn(c *connection) {
	defer s.wg.Done()

	c.ws.SetReadLimit(maxFrameBytes)
	logger := s.logger.With().Str("conn_id", c.id).Logger()

	if err := s.handshake(c); err != nil {
		logger.Warn().Err(err).Msg("Handshake failed")
		observability.RecordHandshakeAudit(c.ctx, c.id, c.remoteAddr, "failure")
		c.cancel()
		c.ws.Close()
		return
	}

	sess := session.New(c.id)
	c.bind(sess)
	if err := s.register(c, sess); err != nil {
		_ = c.writeDirect(&protocol.AuthResult{Success: false, Message: err.Error()})
		c.cancel()
		c.ws.Close()
		return
	}

	go c.writeLoop(func(err error) {
		s.teardown(c, &TransportError{ConnID: c.id, SessionID: c.session().ID, Op: "write", Err: err})
	})

	if err := s.SendMessage(sess.ID, &protocol.AuthResult{Success: true}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send auth result")
	}
	observability.RecordHandshakeAudit(c.ctx, c.id, c.remoteAddr, "success")
	logger.Info().Str("session_id", sess.ID).Msg("Session created")

	s.pump(c, logger)
}

func (s *Switchboard) handshake(c *connection) error {
	if s.auth == nil {
		return nil
	}

	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	if err := c.writeDirect(&protocol.AuthChallenge{Challenge: challenge, ProtocolVersion: ProtocolVersion}); err != nil {
		return &TransportError{ConnID: c.id, Op: "handshake", Err: err}
	}

	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return &TransportError{ConnID: c.id, Op: "handshake", Err: err}
		}

		frame, _ := protocol.Decode(data)
		resp, ok := frame.(*protocol.AuthResponse)
		if ok && s.auth.VerifySignature(challenge, resp.Signature) {
			_ = c.ws.SetReadDeadline(time.Time{})
			return nil
		}

		msg := "invalid signature"
		switch {
		case attempt == maxAuthAttempts:
			msg = "too many failed attempts"
		case !ok:
			msg = "authentication required"
		}
		if err := c.writeDirect(&protocol.AuthResult{Success: false, Message: msg}); err != nil {
			return &TransportError{ConnID: c.id, Op: "handshake", Err: err}
		}
	}
	return errAuthFailed
}

func (s *Switchboard) register(c *connection, sess *session.Session) error {
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.conns[c.id] = c
	s.bySession[sess.ID] = c
	s.mu.Unlock()

	s.store.Add(sess)
	observability.SetActiveSessions(s.store.Count())
	return nil
}

func (s *Switchboard) pump(c *connection, logger zerolog.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				logger.Warn().Err(err).Msg("WebSocket error")
			default:
				logger.Debug().Err(err).Msg("Client closed connection")
			}
			var sessionID string
			if sess := c.session(); sess != nil {
				sessionID = sess.ID
			}
			s.teardown(c, &TransportError{ConnID: c.id, SessionID: sessionID, Op: "read", Err: err})
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Switchboard) handleFrame(c *connection, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		code := protocol.CodeParseError
		if errors.Is(err, protocol.ErrUnknownFrame) {
			code = protocol.CodeUnknownFrame
		}
		s.sendError(c, code, err.Error())
		return
	}

	switch f := frame.(type) {
	case *protocol.RunRequest:
		s.handleRunRequest(c, f)
	case *protocol.ToolCallResult:
		s.handleToolCallResult(c, f)
	case *protocol.Cancel:
		s.handleCancel(c)
	default:
		s.sendError(c, protocol.CodeInvalidRequest, fmt.Sprintf("unexpected %s frame", f.FrameKind()))
	}
}

func (s *Switchboard) sendError(c *connection, code int, message string) {
	sess := c.session()
	if sess == nil {
		return
	}
	if err := s.SendMessage(sess.ID, &protocol.ErrorFrame{Code: code, Message: message}); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send error frame")
	}
}

func (s *Switchboard) handleRunRequest(c *connection, req *protocol.RunRequest) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()

	if s.shuttingDown.Load() {
		s.sendError(c, protocol.CodeBusy, ErrShuttingDown.Error())
		return
	}
	if req.Agent == "" {
		s.sendError(c, protocol.CodeInvalidRequest, "run_request requires an agent")
		return
	}
	if s.currentRunner() == nil {
		s.sendError(c, protocol.CodeInvalidRequest, "no agent runner configured")
		return
	}
	if allowed, reason := c.limiter.CheckRequestAllowed(); !allowed {
		code := protocol.CodeRateLimited
		if reason == reasonBusy {
			code = protocol.CodeBusy
		}
		s.sendError(c, code, reason)
		return
	}

	sess := s.sessionForRun(c)
	sess.SetWorkingDir(req.CWD)
	sess.SetMetadata(req.Metadata)
	c.startRun(sess.ID)

	// A dropped connection stops the run through sess.Cancel only, so in-flight
	// tools finish.
	ctx := tracing.NewRequestContext(context.WithoutCancel(c.ctx))
	ctx = tracing.WithConnID(ctx, c.id)
	ctx = tracing.WithSessionID(ctx, sess.ID)

	lane := laneFor(sess.ID)
	done := s.queue.Submit(ctx, lane, func(ctx context.Context) (interface{}, error) {
		return s.run(ctx, sess, req), nil
	})
	go s.awaitRun(c, sess, lane, done)
}

// sessionForRun returns the connection's session, replacing it with a fresh one
// when it already had a run.
func (s *Switchboard) sessionForRun(c *connection) *session.Session {
	if cur, fresh := c.claim(); fresh && cur.State() != session.StateTerminal {
		return cur
	}

	next := session.New(c.id)
	s.mu.Lock()
	prev := c.bind(next)
	c.claim()
	s.bySession[next.ID] = c
	if prev != nil {
		delete(s.bySession, prev.ID)
	}
	s.mu.Unlock()

	s.store.Add(next)
	observability.SetActiveSessions(s.store.Count())
	if prev != nil {
		go func() {
			<-prev.Done()
			s.forget(prev.ID)
		}()
	}
	return next
}

func (s *Switchboard) awaitRun(c *connection, sess *session.Session, lane string, done <-chan commandqueue.Result) {
	res := <-done
	c.endRun(sess.ID)
	if res.Err != nil {
		s.completeWithoutRun(sess, protocol.ReasonCancelled, fmt.Sprintf("run not started: %v", res.Err))
	}
	s.queue.RemoveLane(lane)
}

func (s *Switchboard) run(ctx context.Context, sess *session.Session, req *protocol.RunRequest) agent.Result {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSwitchboard, "switchboard.run",
		attribute.String("session.id", sess.ID),
		attribute.String("agent.requested", req.Agent))
	logger := tracing.LoggerFromContext(ctx, s.logger)

	local, err := registry.ParseLocalDefinitions(req.LocalAgents)
	if err != nil {
		res := s.completeWithoutRun(sess, protocol.ReasonError, fmt.Sprintf("invalid local agent definitions: %v", err))
		tracing.EndSpan(span, res.Err)
		return res
	}

	def, err := s.resolver.Resolve(ctx, req.Agent, local)
	if err != nil {
		logger.Warn().Err(err).Str("agent", req.Agent).Msg("Agent resolution failed")
		res := s.completeWithoutRun(sess, protocol.ReasonError, fmt.Sprintf("agent resolution failed: %v", err))
		tracing.EndSpan(span, res.Err)
		return res
	}
	logger.Info().Str("agent", def.FullID()).Msg("Agent resolved")

	res := s.currentRunner().Run(ctx, sess, def, agent.RunInput{Prompt: req.Message, Params: req.Params})
	s.archive(sess)
	tracing.EndSpan(span, res.Err)
	return res
}

// completeWithoutRun terminates a session that never reached the step loop and
// sends its session_complete frame.
func (s *Switchboard) completeWithoutRun(sess *session.Session, reason protocol.CompletionReason, message string) agent.Result {
	res := agent.Result{Reason: reason, Message: message, Steps: sess.Steps(), Err: errors.New(message)}
	if !sess.Terminate(string(reason), message) {
		return res
	}

	observability.RecordSessionComplete(string(reason))
	if err := s.SendMessage(sess.ID, &protocol.SessionComplete{Reason: reason, Message: message, Steps: sess.Steps()}); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("session_complete not delivered")
	}
	s.archive(sess)
	return res
}

func (s *Switchboard) archive(sess *session.Session) {
	if s.archiver == nil || sess.State() != session.StateTerminal {
		return
	}
	if err := s.archiver.Archive(sess); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to archive session")
	}
}

func (s *Switchboard) handleToolCallResult(c *connection, result *protocol.ToolCallResult) {
	sess := c.session()
	if sess == nil || !s.correlations.resolve(sess.ID, result) {
		s.logger.Warn().
			Str("conn_id", c.id).
			Str("correlation_id", result.CorrelationID).
			Msg("Tool call result without a pending request")
	}
}

func (s *Switchboard) handleCancel(c *connection) {
	sess := c.session()
	if sess == nil || sess.State() == session.StateTerminal {
		return
	}
	sess.Cancel()
	s.logger.Info().Str("session_id", sess.ID).Msg("Session cancel requested")
}

// SendMessage queues frame for the session's connection. Frames for one session
// are delivered in the order they were queued.
func (s *Switchboard) SendMessage(sessionID string, frame protocol.Frame) error {
	s.mu.RLock()
	c, ok := s.bySession[sessionID]
	s.mu.RUnlock()

	if !ok {
		observability.RecordOutboundFrame(string(frame.FrameKind()), false)
		return &TransportError{SessionID: sessionID, Op: "send", Err: ErrSessionNotConnected}
	}

	// A client may answer session_complete with its next run_request at once.
	if _, final := frame.(*protocol.SessionComplete); final {
		c.endRun(sessionID)
	}

	if err := c.enqueue(sessionID, frame); err != nil {
		observability.RecordOutboundFrame(string(frame.FrameKind()), false)
		terr := &TransportError{ConnID: c.id, SessionID: sessionID, Op: "send", Err: err}
		if errors.Is(err, ErrOutboundOverflow) {
			go s.teardown(c, terr)
		}
		return terr
	}
	return nil
}

// RequestToolCall asks the session's client to execute a tool locally and waits
// for the correlated tool_call_result.
func (s *Switchboard) RequestToolCall(ctx context.Context, sessionID, tool string, args map[string]interface{}) (json.RawMessage, error) {
	correlationID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate correlation id: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSwitchboard, "switchboard.client_tool_call",
		attribute.String("session.id", sessionID),
		attribute.String("tool.name", tool),
		attribute.String("correlation.id", correlationID))

	ch := s.correlations.register(correlationID, sessionID, tool)
	defer s.correlations.remove(correlationID)

	if err := s.SendMessage(sessionID, &protocol.ToolCallRequest{
		CorrelationID: correlationID,
		ToolName:      tool,
		Args:          args,
	}); err != nil {
		observability.RecordClientToolCall("transport")
		tracing.EndSpan(span, err)
		return nil, err
	}

	timer := time.NewTimer(s.clientToolTimeout)
	defer timer.Stop()

	var (
		output  json.RawMessage
		outcome string
	)
	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			err, outcome = res.err, "transport"
		case res.result.Error != "":
			err, outcome = &ClientToolError{Tool: tool, Message: res.result.Error}, "error"
		default:
			output, outcome = res.result.Output, "success"
		}
	case <-timer.C:
		err, outcome = &CorrelationTimeoutError{CorrelationID: correlationID, Tool: tool, Timeout: s.clientToolTimeout}, "timeout"
	case <-ctx.Done():
		err, outcome = ctx.Err(), "cancelled"
	}

	observability.RecordClientToolCall(outcome)
	observability.RecordClientToolAudit(ctx, sessionID, tool, outcome)
	tracing.EndSpan(span, err)
	return output, err
}

// SendRequestReconnect asks the session's client to drop and re-establish its
// connection. The socket stays open.
func (s *Switchboard) SendRequestReconnect(sessionID, reason string) error {
	return s.SendMessage(sessionID, &protocol.ReconnectRequest{Reason: reason})
}

// WaitForAllClientsDisconnected blocks until every tracked session is terminal
// or gone, or ctx is done.
func (s *Switchboard) WaitForAllClientsDisconnected(ctx context.Context) error {
	for {
		var pending *session.Session
		for _, sess := range s.store.List() {
			if sess.State() != session.StateTerminal {
				pending = sess
				break
			}
		}
		if pending == nil {
			return nil
		}

		select {
		case <-pending.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown refuses new connections and runs, asks clients to reconnect, waits
// for running sessions until ctx is done, then closes every connection.
func (s *Switchboard) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	s.shuttingDown.Store(true)
	s.runMu.Unlock()

	s.logger.Info().Int("sessions", s.store.Count()).Msg("Shutting down switchboard")

	for _, c := range s.connections() {
		sess := c.session()
		if sess == nil {
			continue
		}
		if err := s.SendRequestReconnect(sess.ID, "server shutting down"); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Reconnect request not delivered")
		}
		if s.queue.Pending(laneFor(sess.ID)) == 0 && sess.Terminate(string(protocol.ReasonCancelled), "server shutting down") {
			observability.RecordSessionComplete(string(protocol.ReasonCancelled))
		}
	}

	waitErr := s.WaitForAllClientsDisconnected(ctx)
	if waitErr != nil {
		s.logger.Warn().Err(waitErr).Msg("Shutdown timeout reached, cancelling remaining sessions")
	}

	conns := s.connections()
	for _, c := range conns {
		var err error
		if waitErr != nil {
			err = &TransportError{ConnID: c.id, Op: "shutdown", Err: waitErr}
		}
		s.teardown(c, err)
	}
	for _, c := range conns {
		select {
		case <-c.wrote:
		case <-time.After(writeWait):
		}
	}

	if s.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(httpCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.queue.WaitIdle(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Runs still active after shutdown")
	}
	if s.ownsQueue {
		_ = s.queue.Close()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Switchboard stopped")
	return waitErr
}

// teardown closes a connection and ends its session. A running session is
// cancelled and terminates through its run; an idle one is terminated here.
func (s *Switchboard) teardown(c *connection, cause error) {
	c.teardownOnce.Do(func() {
		sess := c.session()
		logger := s.logger.With().Str("conn_id", c.id).Logger()
		if cause != nil {
			logger.Info().Err(cause).Msg("Connection torn down")
		} else {
			logger.Info().Msg("Connection closed")
		}

		c.cancel()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		if sess == nil {
			return
		}

		sess.Cancel()
		failErr := cause
		if failErr == nil {
			failErr = &TransportError{ConnID: c.id, SessionID: sess.ID, Op: "close", Err: context.Canceled}
		}
		s.correlations.failSession(sess.ID, failErr)

		lane := laneFor(sess.ID)
		s.queue.ResetLane(lane)
		if s.queue.Pending(lane) == 0 && sess.Terminate(string(protocol.ReasonCancelled), "connection closed") {
			observability.RecordSessionComplete(string(protocol.ReasonCancelled))
		}

		go func() {
			<-sess.Done()
			s.retire(c, sess)
		}()
	})
}

func (s *Switchboard) retire(c *connection, sess *session.Session) {
	s.mu.Lock()
	if s.bySession[sess.ID] == c {
		delete(s.bySession, sess.ID)
	}
	s.mu.Unlock()

	s.forget(sess.ID)
}

// forget drops a terminal session from the store.
func (s *Switchboard) forget(sessionID string) {
	s.store.Remove(sessionID)
	observability.SetActiveSessions(s.store.Count())
	if s.onRetire != nil {
		s.onRetire(sessionID)
	}
}

func (s *Switchboard) connections() []*connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Sessions returns snapshots of the tracked sessions without history.
func (s *Switchboard) Sessions() []session.Snapshot {
	list := s.store.List()
	out := make([]session.Snapshot, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Snapshot(false))
	}
	return out
}

func laneFor(sessionID string) string {
	return "session:" + sessionID
}
