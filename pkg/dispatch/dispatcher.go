package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxOutputSize is the largest encoded tool output kept verbatim.
	MaxOutputSize = 10 * 1024

	defaultCallTimeout    = 2 * time.Minute
	defaultMaxConcurrency = 8
)

// Config configures a Dispatcher.
type Config struct {
	// CallTimeout bounds each handler. Zero means two minutes.
	CallTimeout time.Duration
	// MaxConcurrency bounds concurrently running calls in one batch. Zero means 8.
	MaxConcurrency int
	Logger         zerolog.Logger
}

type registered struct {
	handler Handler
	def     ToolDefinition
	schema  *gojsonschema.Schema
	spec    map[string]interface{}
}

// Dispatcher maps tool names to handlers. Register all handlers at startup;
// Dispatch is safe for concurrent use by many sessions.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]*registered

	callTimeout    time.Duration
	maxConcurrency int
	logger         zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return &Dispatcher{
		tools:          make(map[string]*registered),
		callTimeout:    cfg.CallTimeout,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a handler. Names must be unique.
func (d *Dispatcher) Register(h Handler) error {
	def := h.Definition()
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	spec := generateJSONSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	d.tools[def.Name] = &registered{handler: h, def: def, schema: schema, spec: spec}

	d.logger.Debug().
		Str("tool", def.Name).
		Bool("mutates", def.Capabilities.Mutates).
		Bool("ends_turn", def.Capabilities.EndsTurn).
		Bool("remote", def.Capabilities.Remote).
		Msg("Tool registered")
	return nil
}

// ToolSpec is what a model sees of a tool.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Specs returns the specs of the named tools that are registered, sorted by name.
func (d *Dispatcher) Specs(names []string) []ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		if r, ok := d.tools[name]; ok {
			specs = append(specs, ToolSpec{Name: name, Description: r.def.Description, InputSchema: r.spec})
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns every registered tool name, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch executes calls for sess. allowed is the agent's declared tool set;
// calls outside it fail without running.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, calls []ToolCall, allowed []string) *Outcome {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerDispatch, "dispatch.batch",
		attribute.Int("batch.size", len(calls)))
	defer span.End()

	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	results := make([]Result, len(calls))
	started := make([]bool, len(calls))
	// refused marks mutating calls whose gate opened on a cancelled session.
	refused := make([]bool, len(calls))
	outcome := &Outcome{}

	var endTurn atomic.Bool
	p := pool.New().WithMaxGoroutines(d.maxConcurrency)
	var prev <-chan struct{} = closedChan
	stopAt := len(calls)

	for i, call := range calls {
		if sess != nil && sess.Cancelled() {
			outcome.Cancelled = true
			stopAt = i
			break
		}
		if endTurn.Load() {
			stopAt = i
			break
		}

		r, rejection := d.admit(call, allowedSet)
		if rejection != nil {
			results[i] = *rejection
			started[i] = true
			continue
		}

		if r.def.Capabilities.EndsTurn {
			p.Wait()
			p = nil
			if sess != nil && sess.Cancelled() {
				outcome.Cancelled = true
				stopAt = i
				break
			}
			results[i] = d.execute(ctx, sess, i, call, r, nil)
			started[i] = true
			endTurn.Store(true)
			stopAt = i + 1
			break
		}

		var gate *Gate
		if r.def.Capabilities.Mutates {
			gate = newGate(prev, sess)
			prev = gate.done
		}

		started[i] = true
		idx, c, reg := i, call, r
		p.Go(func() {
			res := d.execute(ctx, sess, idx, c, reg, gate)
			results[idx] = res
			refused[idx] = errors.Is(res.Err, ErrCancelled)
			if res.EndTurn {
				endTurn.Store(true)
			}
		})
	}

	if p != nil {
		p.Wait()
	}

	for i := range calls {
		switch {
		case refused[i]:
			outcome.Discarded = append(outcome.Discarded, calls[i])
			outcome.Cancelled = true
		case started[i]:
			outcome.Results = append(outcome.Results, results[i])
		}
	}
	if stopAt < len(calls) {
		outcome.Discarded = append(outcome.Discarded, calls[stopAt:]...)
	}
	outcome.EndTurn = endTurn.Load()

	if len(outcome.Discarded) > 0 {
		d.logger.Debug().
			Int("discarded", len(outcome.Discarded)).
			Bool("end_turn", outcome.EndTurn).
			Bool("cancelled", outcome.Cancelled).
			Msg("Batch stopped early")
	}
	return outcome
}

// admit looks up the handler and validates the call, returning an error
// result when the call must not run.
func (d *Dispatcher) admit(call ToolCall, allowed map[string]bool) (*registered, *Result) {
	d.mu.RLock()
	r := d.tools[call.Name]
	d.mu.RUnlock()

	var err error
	switch {
	case r == nil:
		err = fmt.Errorf("tool not found: %s", call.Name)
	case !allowed[call.Name]:
		err = fmt.Errorf("tool '%s' is not allowed for this agent", call.Name)
	default:
		err = validateParameters(r.schema, call.Input)
	}
	if err == nil {
		return r, nil
	}

	d.logger.Warn().Str("tool", call.Name).Str("call_id", call.ID).Err(err).Msg("Tool call rejected")
	observability.RecordToolExecution(metricToolName(r, call), 0, false)

	res := errorResult(call, err)
	return nil, &res
}

func (d *Dispatcher) execute(ctx context.Context, sess *session.Session, idx int, call ToolCall, r *registered, gate *Gate) (res Result) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerDispatch, "dispatch.tool",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID))

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			res = errorResult(call, fmt.Errorf("handler panic: %v", rec))
		}
		gate.Release()

		res.Duration = time.Since(start)
		observability.RecordToolExecution(call.Name, res.Duration, !res.IsError())
		tracing.EndSpan(span, res.Err)

		event := d.logger.Debug()
		if res.IsError() {
			event = d.logger.Warn().Str("error", res.Error)
		}
		event.
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Dur("duration", res.Duration).
			Bool("truncated", res.Truncated).
			Msg("Tool call finished")
	}()

	c := &Call{ToolCall: call, Session: sess, Index: idx, gate: gate}
	out, err := r.handler.Execute(callCtx, c)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("tool execution timeout after %v: %w", d.callTimeout, err)
		}
		return errorResult(call, err)
	}

	value, truncated := truncateOutput(out.Value)
	return Result{
		CallID:    call.ID,
		ToolName:  call.Name,
		Output:    value,
		Truncated: truncated,
		EndTurn:   out.EndTurn,
	}
}

func errorResult(call ToolCall, err error) Result {
	dispatchErr := &ToolDispatchError{Tool: call.Name, CallID: call.ID, Err: err}
	return Result{
		CallID:   call.ID,
		ToolName: call.Name,
		Error:    err.Error(),
		Err:      dispatchErr,
	}
}

func metricToolName(r *registered, call ToolCall) string {
	if r == nil {
		return "unknown"
	}
	return call.Name
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Items != "" && !validTypes[param.Items] {
			return fmt.Errorf("invalid items type %q for %s", param.Items, param.Name)
		}
	}
	return nil
}

func generateJSONSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Type == "array" && param.Items != "" {
			paramSchema["items"] = map[string]interface{}{"type": param.Items}
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("parameter validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// truncateOutput replaces outputs whose JSON encoding exceeds MaxOutputSize
// with a truncated string.
func truncateOutput(output interface{}) (interface{}, bool) {
	if output == nil {
		return nil, false
	}

	var str string
	if s, ok := output.(string); ok {
		str = s
	} else {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Sprintf("%v", output), false
		}
		str = string(data)
	}

	if len(str) <= MaxOutputSize {
		return output, false
	}
	return str[:MaxOutputSize] + "\n... [output truncated]", true
}
