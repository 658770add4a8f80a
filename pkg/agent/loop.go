package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/dispatch"
	"github.com/harun/agentgate/pkg/protocol"
	"github.com/harun/agentgate/pkg/registry"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/usage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultStepBudget = 25
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Emitter delivers outbound frames to a session's client.
type Emitter interface {
	SendMessage(sessionID string, frame protocol.Frame) error
}

// Config configures a Loop.
type Config struct {
	Model      ModelClient
	Dispatcher *dispatch.Dispatcher
	// Meter authorizes and records steps. Nil means unlimited.
	Meter usage.Meter
	// Emitter receives agent_text and session_complete frames. Nil discards them.
	Emitter Emitter

	// ModelName is used when the agent definition names no model.
	ModelName   string
	MaxTokens   int
	Temperature float64

	// MaxRetries is the number of attempts per model call. Zero means 3.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt. Zero means 1s.
	RetryBaseDelay time.Duration
	// DefaultStepBudget applies to definitions without a budget. Zero means 25.
	DefaultStepBudget int

	Logger zerolog.Logger
}

// RunInput is the client's request.
type RunInput struct {
	Prompt string
	Params map[string]interface{}
}

// Result summarizes a finished run.
type Result struct {
	Reason protocol.CompletionReason
	// Message is the human-readable reason sent in session_complete.
	Message string
	Steps   int
	// Transitions counts AWAITING_MODEL -> DISPATCHING transitions.
	Transitions int
	// Text is the last model text.
	Text string
	Err  error
}

// Loop runs sessions. One Loop serves every session; per-run state lives in Run.
type Loop struct {
	model      ModelClient
	dispatcher *dispatch.Dispatcher
	meter      usage.Meter
	emitter    Emitter

	modelName   string
	maxTokens   int
	temperature float64

	maxRetries        int
	retryBaseDelay    time.Duration
	defaultStepBudget int

	logger zerolog.Logger
}

// NewLoop creates a Loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Model == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Meter == nil {
		cfg.Meter = usage.Unlimited{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryDelay
	}
	if cfg.DefaultStepBudget <= 0 {
		cfg.DefaultStepBudget = defaultStepBudget
	}

	return &Loop{
		model:             cfg.Model,
		dispatcher:        cfg.Dispatcher,
		meter:             cfg.Meter,
		emitter:           cfg.Emitter,
		modelName:         cfg.ModelName,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		maxRetries:        cfg.MaxRetries,
		retryBaseDelay:    cfg.RetryBaseDelay,
		defaultStepBudget: cfg.DefaultStepBudget,
		logger:            cfg.Logger.With().Str("component", "step-loop").Logger(),
	}, nil
}

// run is the per-run state.
type run struct {
	sess   *session.Session
	def    *registry.AgentDefinition
	input  RunInput
	budget int
	logger zerolog.Logger

	steps       int
	transitions int
	text        string
	done        *Result
}

// Run drives sess from the initial prompt to a terminal state and always emits
// exactly one session_complete frame.
func (l *Loop) Run(ctx context.Context, sess *session.Session, def *registry.AgentDefinition, input RunInput) Result {
	ctx = tracing.NewAgentRunContext(ctx, def.ID)
	ctx = tracing.WithSessionID(ctx, sess.ID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.run",
		attribute.String("agent.id", def.FullID()),
		attribute.String("session.id", sess.ID))

	r := &run{
		sess:   sess,
		def:    def,
		input:  input,
		budget: def.StepBudget,
		logger: tracing.LoggerFromContext(ctx, l.logger),
	}
	if r.budget <= 0 {
		r.budget = l.defaultStepBudget
	}

	sess.SetAgent(def.FullID(), def.Version)
	if input.Prompt != "" {
		sess.History().Append(session.UserMessage(input.Prompt))
	}

	r.logger.Info().
		Str("agent", def.FullID()).
		Int("step_budget", r.budget).
		Msg("Run started")

	if err := registry.ValidateInput(def, input.Params); err != nil {
		l.finish(r, protocol.ReasonError, "invalid run params", err)
	} else {
		l.execute(ctx, r)
	}
	res := *r.done

	// The frame goes out before Terminate: teardown waits on Done and closes the socket.
	l.emit(sess, &protocol.SessionComplete{Reason: res.Reason, Message: res.Message, Steps: res.Steps})
	sess.Terminate(string(res.Reason), res.Message)
	observability.RecordSessionComplete(string(res.Reason))

	tracing.EndSpan(span, res.Err)
	r.logger.Info().
		Str("reason", string(res.Reason)).
		Int("steps", res.Steps).
		Int("transitions", res.Transitions).
		Msg("Run finished")
	return res
}

// execute interprets the definition's step program. An empty program is a single step_all.
func (l *Loop) execute(ctx context.Context, r *run) {
	program := r.def.Steps
	if len(program) == 0 {
		program = []registry.StepInstruction{{Kind: registry.StepAll}}
	}

	for _, instr := range program {
		switch instr.Kind {
		case registry.StepTool:
			l.scriptedTool(ctx, r, instr)
		case registry.StepModel:
			l.step(ctx, r)
		case registry.StepAll:
			for r.done == nil {
				if final := l.step(ctx, r); final {
					break
				}
			}
		}
		if r.done != nil {
			return
		}
	}
	l.finish(r, protocol.ReasonFinished, "", nil)
}

// step performs one model call and dispatches the tool calls it proposes. It
// returns true when the model answered with final text.
func (l *Loop) step(ctx context.Context, r *run) bool {
	sess := r.sess

	if sess.Cancelled() {
		l.finish(r, protocol.ReasonCancelled, "", nil)
		return false
	}
	if r.steps >= r.budget {
		l.finish(r, protocol.ReasonBudgetExceeded, fmt.Sprintf("step budget of %d exhausted", r.budget), nil)
		return false
	}

	allowed, err := l.meter.Authorize(ctx, sess.ID)
	if err != nil {
		l.finish(r, protocol.ReasonError, "usage authorization failed", fmt.Errorf("authorize: %w", err))
		return false
	}
	if !allowed {
		observability.RecordUsageDenied()
		l.finish(r, protocol.ReasonQuotaExceeded, "", nil)
		return false
	}

	sess.SetState(session.StateAwaitingModel)
	resp, err := l.invokeWithRetry(ctx, r)
	if err != nil {
		if sess.Cancelled() || errors.Is(err, context.Canceled) {
			l.finish(r, protocol.ReasonCancelled, "", nil)
			return false
		}
		l.finish(r, protocol.ReasonError, "model call failed", err)
		return false
	}

	r.steps++
	sess.IncrementSteps()
	observability.RecordStep()
	if err := l.meter.Record(ctx, sess.ID, usage.Cost{
		Steps:        1,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        l.modelFor(r.def),
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record usage")
	}

	final := len(resp.ToolCalls) == 0
	if resp.Text != "" {
		r.text = resp.Text
		sess.History().Append(session.AgentTextMessage(resp.Text))
		l.emit(sess, &protocol.AgentText{Text: resp.Text, Final: final})
	}
	if final {
		return true
	}

	r.transitions++
	l.dispatch(ctx, r, resp.ToolCalls)
	return false
}

// scriptedTool dispatches a fixed tool call without a model call. A tool step
// without input receives the run params.
func (l *Loop) scriptedTool(ctx context.Context, r *run, instr registry.StepInstruction) {
	if r.sess.Cancelled() {
		l.finish(r, protocol.ReasonCancelled, "", nil)
		return
	}
	input := instr.Input
	if input == nil {
		input = r.input.Params
	}
	l.dispatch(ctx, r, []dispatch.ToolCall{{Name: instr.Tool, Input: input}})
}

// dispatch records the calls, runs them and folds the results into history in call order.
func (l *Loop) dispatch(ctx context.Context, r *run, proposed []dispatch.ToolCall) {
	sess := r.sess
	sess.SetState(session.StateDispatching)

	calls := make([]dispatch.ToolCall, len(proposed))
	for i, call := range proposed {
		if call.ID == "" {
			call.ID = uuid.New().String()
		}
		calls[i] = call
		sess.History().Append(session.ToolCallMessage(call.ID, call.Name, encodeJSON(call.Input)))
	}

	outcome := l.dispatcher.Dispatch(ctx, sess, calls, r.def.ToolNames)

	for _, res := range outcome.Results {
		var payload json.RawMessage
		if res.IsError() {
			payload = encodeJSON(map[string]interface{}{"error": res.Error})
		} else {
			payload = encodeJSON(res.Output)
		}
		sess.History().Append(session.ToolResultMessage(res.CallID, res.ToolName, payload, res.IsError()))
	}

	switch {
	case outcome.EndTurn:
		l.finish(r, protocol.ReasonFinished, "", nil)
	case outcome.Cancelled || sess.Cancelled():
		l.finish(r, protocol.ReasonCancelled, "", nil)
	default:
		sess.SetState(session.StateAwaitingModel)
	}
}

// invokeWithRetry calls the model with exponential backoff for retryable errors.
func (l *Loop) invokeWithRetry(ctx context.Context, r *run) (*ModelResponse, error) {
	history := r.sess.History().Messages()
	req := ModelRequest{
		Model:        l.modelFor(r.def),
		SystemPrompt: systemPrompt(r.def),
		Messages:     BuildModelMessages(history),
		Tools:        l.dispatcher.Specs(r.def.ToolNames),
		MaxTokens:    l.maxTokens,
		Temperature:  l.temperature,
	}

	ctx, stop := withSessionCancel(ctx, r.sess)
	defer stop()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.model_call",
		attribute.String("model.provider", l.model.Provider()),
		attribute.Int("history.length", len(history)))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		attempts++
		start := time.Now()
		resp, err := l.model.Invoke(ctx, req)
		observability.RecordModelCall(l.model.Provider(), time.Since(start), err == nil)
		if err == nil {
			tracing.EndSpan(span, nil)
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || ctx.Err() != nil || attempt == l.maxRetries-1 {
			break
		}

		delay := l.retryBaseDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = l.maxRetries
		case <-time.After(delay):
		}
	}

	err := &ModelInvocationError{Provider: l.model.Provider(), Attempts: attempts, Err: lastErr}
	tracing.EndSpan(span, err)
	return nil, err
}

// withSessionCancel derives a context that is also cancelled when sess is.
// Only model calls use it; tool calls run to completion on cancel.
func withSessionCancel(ctx context.Context, sess *session.Session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sess.CancelRequested():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// finish records the terminal reason once.
func (l *Loop) finish(r *run, reason protocol.CompletionReason, detail string, err error) {
	if r.done != nil {
		return
	}
	msg := reason.Describe()
	if detail != "" {
		msg = detail
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
		r.logger.Error().Err(err).Str("reason", string(reason)).Msg("Run failed")
	}
	r.done = &Result{
		Reason:      reason,
		Message:     msg,
		Steps:       r.steps,
		Transitions: r.transitions,
		Text:        r.text,
		Err:         err,
	}
}

func (l *Loop) emit(sess *session.Session, frame protocol.Frame) {
	if l.emitter == nil {
		return
	}
	if err := l.emitter.SendMessage(sess.ID, frame); err != nil {
		l.logger.Debug().Err(err).Str("session_id", sess.ID).Str("frame", string(frame.FrameKind())).Msg("Frame not delivered")
	}
}

func (l *Loop) modelFor(def *registry.AgentDefinition) string {
	if def.Model != "" {
		return def.Model
	}
	return l.modelName
}

func systemPrompt(def *registry.AgentDefinition) string {
	switch {
	case def.SystemPrompt != "" && def.Instructions != "":
		return def.SystemPrompt + "\n\n" + def.Instructions
	case def.Instructions != "":
		return def.Instructions
	default:
		return def.SystemPrompt
	}
}

func encodeJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}
