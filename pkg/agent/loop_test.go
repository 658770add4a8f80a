package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentgate/pkg/dispatch"
	"github.com/harun/agentgate/pkg/protocol"
	"github.com/harun/agentgate/pkg/registry"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (e *recordingEmitter) SendMessage(_ string, frame protocol.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, frame)
	return nil
}

func (e *recordingEmitter) kinds() []protocol.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Kind, len(e.frames))
	for i, f := range e.frames {
		out[i] = f.FrameKind()
	}
	return out
}

func echoTool(name string, caps dispatch.Capabilities) dispatch.Handler {
	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:        name,
			Description: name,
			Parameters: []dispatch.ToolParameter{
				{Name: "paths", Type: "array", Items: "string", Description: "paths"},
			},
			Capabilities: caps,
		},
		Fn: func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
			return dispatch.Output{Value: map[string]interface{}{"echo": call.Input}}, nil
		},
	}
}

type fixture struct {
	loop    *Loop
	model   *ScriptedModel
	emitter *recordingEmitter
	def     *registry.AgentDefinition
}

func newFixture(t *testing.T, model *ScriptedModel, meter usage.Meter, handlers ...dispatch.Handler) *fixture {
	t.Helper()
	d := dispatch.New(dispatch.Config{Logger: zerolog.Nop()})
	names := []string{}
	for _, h := range handlers {
		require.NoError(t, d.Register(h))
		names = append(names, h.Definition().Name)
	}

	emitter := &recordingEmitter{}
	loop, err := NewLoop(Config{
		Model:          model,
		Dispatcher:     d,
		Meter:          meter,
		Emitter:        emitter,
		RetryBaseDelay: time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{
		loop:    loop,
		model:   model,
		emitter: emitter,
		def:     &registry.AgentDefinition{ID: "reviewer", Publisher: "codebuff", Version: "1.0.0", ToolNames: names, StepBudget: 10},
	}
}

func readCall() dispatch.ToolCall {
	return dispatch.ToolCall{Name: "read_files", Input: map[string]interface{}{"paths": []interface{}{"a.ts"}}}
}

func assertDenseIndices(t *testing.T, sess *session.Session) {
	t.Helper()
	for i, msg := range sess.History().Messages() {
		assert.Equal(t, i, msg.Index)
	}
}

func TestRun_FinalTextImmediately(t *testing.T) {
	f := newFixture(t, NewScriptedModel(Text("LGTM")), nil, echoTool("read_files", dispatch.Capabilities{}))
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "review this diff"})

	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	assert.Equal(t, 0, res.Transitions)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, "LGTM", res.Text)
	assert.Equal(t, session.StateTerminal, sess.State())
	assert.Equal(t, []protocol.Kind{protocol.KindAgentText, protocol.KindSessionComplete}, f.emitter.kinds())
	assert.True(t, f.emitter.frames[0].(*protocol.AgentText).Final)
}

func TestRun_KToolStepsGiveKTransitions(t *testing.T) {
	for _, k := range []int{1, 3, 6} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			turns := []ScriptedTurn{}
			for i := 0; i < k; i++ {
				calls := make([]dispatch.ToolCall, i%3+1)
				for j := range calls {
					calls[j] = readCall()
				}
				turns = append(turns, Calls(calls...))
			}
			turns = append(turns, Text("done"))

			f := newFixture(t, NewScriptedModel(turns...), nil, echoTool("read_files", dispatch.Capabilities{}))
			sess := session.New("c")
			res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "go"})

			assert.Equal(t, protocol.ReasonFinished, res.Reason)
			assert.Equal(t, k, res.Transitions)
			assert.Equal(t, k+1, res.Steps)
			assert.Equal(t, k+1, f.model.CallCount())
			assertDenseIndices(t, sess)

			var calls, results int
			for _, msg := range sess.History().Messages() {
				switch msg.Role {
				case session.RoleToolCall:
					calls++
				case session.RoleToolResult:
					results++
				}
			}
			assert.Equal(t, calls, results)
		})
	}
}

func TestRun_QuotaDeniedBeforeFirstCall(t *testing.T) {
	deny := usage.Func{AuthorizeFn: func(context.Context, string) (bool, error) { return false, nil }}
	f := newFixture(t, NewScriptedModel(Text("never")), deny)
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "hi"})

	assert.Equal(t, protocol.ReasonQuotaExceeded, res.Reason)
	assert.Equal(t, 0, f.model.CallCount())
	assert.Equal(t, 1, sess.History().Len())
	assert.Equal(t, []protocol.Kind{protocol.KindSessionComplete}, f.emitter.kinds())
}

func TestRun_StepBudgetExceeded(t *testing.T) {
	model := NewScriptedModel(Calls(readCall()), Calls(readCall()), Calls(readCall()))
	f := newFixture(t, model, nil, echoTool("read_files", dispatch.Capabilities{}))
	f.def.StepBudget = 2

	res := f.loop.Run(context.Background(), session.New("c"), f.def, RunInput{Prompt: "loop"})

	assert.Equal(t, protocol.ReasonBudgetExceeded, res.Reason)
	assert.Equal(t, 2, model.CallCount())
	assert.Equal(t, 2, res.Steps)
}

func TestRun_CancelDuringInFlightTool(t *testing.T) {
	sess := session.New("c")
	entered := make(chan struct{})
	release := make(chan struct{})

	slow := dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{Name: "slow", Description: "slow", Capabilities: dispatch.Capabilities{Mutates: true}},
		Fn: func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
			if err := call.Wait(ctx); err != nil {
				return dispatch.Output{}, err
			}
			close(entered)
			<-release
			return dispatch.Output{Value: "finished anyway"}, nil
		},
	}
	model := NewScriptedModel(Calls(dispatch.ToolCall{Name: "slow"}), Text("should not be reached"))
	f := newFixture(t, model, nil, slow)

	go func() {
		<-entered
		sess.Cancel()
		close(release)
	}()

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "go"})

	assert.Equal(t, protocol.ReasonCancelled, res.Reason)
	assert.Equal(t, 1, model.CallCount())

	last, ok := sess.History().Last()
	require.True(t, ok)
	assert.Equal(t, session.RoleToolResult, last.Role)
	assert.JSONEq(t, `"finished anyway"`, string(last.Output))
	reason, _ := sess.Reason()
	assert.Equal(t, string(protocol.ReasonCancelled), reason)
}

func TestRun_RetriesTransientModelErrors(t *testing.T) {
	model := NewScriptedModel(
		Fail(&RetryableError{Err: errors.New("overloaded")}),
		Fail(errors.New("HTTP 503 service unavailable")),
		Text("recovered"),
	)
	f := newFixture(t, model, nil)

	res := f.loop.Run(context.Background(), session.New("c"), f.def, RunInput{Prompt: "hi"})
	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	assert.Equal(t, 3, model.CallCount())
}

func TestRun_PermanentModelErrorEndsWithError(t *testing.T) {
	model := NewScriptedModel(Fail(errors.New("invalid api key")))
	f := newFixture(t, model, nil)

	res := f.loop.Run(context.Background(), session.New("c"), f.def, RunInput{Prompt: "hi"})

	assert.Equal(t, protocol.ReasonError, res.Reason)
	var invErr *ModelInvocationError
	require.True(t, errors.As(res.Err, &invErr))
	assert.Equal(t, 1, invErr.Attempts)
	assert.Equal(t, []protocol.Kind{protocol.KindSessionComplete}, f.emitter.kinds())
}

func TestRun_EndTurnDiscardsRestOfBatch(t *testing.T) {
	model := NewScriptedModel(Calls(
		readCall(),
		dispatch.ToolCall{Name: "end_turn"},
		readCall(),
	), Text("unreachable"))
	f := newFixture(t, model, nil,
		echoTool("read_files", dispatch.Capabilities{}),
		echoTool("end_turn", dispatch.Capabilities{EndsTurn: true}),
	)
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "go"})

	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	assert.Equal(t, 1, model.CallCount())

	results := 0
	for _, msg := range sess.History().Messages() {
		if msg.Role == session.RoleToolResult {
			results++
		}
	}
	assert.Equal(t, 2, results)
}

func TestRun_DisallowedToolFoldsErrorAndContinues(t *testing.T) {
	model := NewScriptedModel(Calls(dispatch.ToolCall{Name: "rm_rf"}), Text("ok, I won't"))
	f := newFixture(t, model, nil, echoTool("read_files", dispatch.Capabilities{}))
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "go"})

	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	second := model.Requests()[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, RoleTool, lastMsg.Role)
	assert.True(t, lastMsg.IsError)
	assert.Contains(t, lastMsg.Content, "tool not found")
}

func TestRun_ScriptedToolStepRunsWithoutModel(t *testing.T) {
	model := NewScriptedModel(Text("summary"))
	f := newFixture(t, model, nil, echoTool("read_files", dispatch.Capabilities{}))
	f.def.Steps = []registry.StepInstruction{
		{Kind: registry.StepTool, Tool: "read_files"},
		{Kind: registry.StepAll},
	}
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{
		Prompt: "explore",
		Params: map[string]interface{}{"paths": []interface{}{"README.md"}},
	})

	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	assert.Equal(t, 1, model.CallCount())

	msgs := sess.History().Messages()
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, session.RoleToolCall, msgs[1].Role)
	assert.Equal(t, session.RoleToolResult, msgs[2].Role)
	assert.False(t, msgs[2].IsError)
}

func TestRun_InvalidParamsFailBeforeModel(t *testing.T) {
	model := NewScriptedModel(Text("never"))
	f := newFixture(t, model, nil)
	f.def.InputSchema = map[string]interface{}{"type": "object", "required": []interface{}{"diff"}}

	res := f.loop.Run(context.Background(), session.New("c"), f.def, RunInput{Prompt: "hi"})
	assert.Equal(t, protocol.ReasonError, res.Reason)
	assert.Equal(t, 0, model.CallCount())
}

func TestNewLoop_RequiresCollaborators(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.Error(t, err)
	_, err = NewLoop(Config{Model: NewScriptedModel()})
	assert.Error(t, err)
}

func TestRun_ReusedProviderCallIDsKeepMessageIDsUnique(t *testing.T) {
	call := readCall()
	call.ID = "call_0"
	model := NewScriptedModel(Calls(call), Calls(call), Text("done"))
	f := newFixture(t, model, nil, echoTool("read_files", dispatch.Capabilities{}))
	sess := session.New("c")

	res := f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "go"})
	require.Equal(t, protocol.ReasonFinished, res.Reason)

	seen := map[string]bool{}
	toolCalls := 0
	for _, msg := range sess.History().Messages() {
		assert.False(t, seen[msg.ID], "message id %q repeated", msg.ID)
		seen[msg.ID] = true
		if msg.Role == session.RoleToolCall {
			toolCalls++
			assert.Equal(t, "call_0", msg.ToolCallID)
		}
	}
	assert.Equal(t, 2, toolCalls)

	// The provider id still pairs each call with its result.
	third := model.Requests()[2]
	require.GreaterOrEqual(t, len(third.Messages), 2)
	last := third.Messages[len(third.Messages)-1]
	assert.Equal(t, RoleTool, last.Role)
	assert.Equal(t, "call_0", last.ToolCallID)
}

func TestRun_CancelAbortsPendingModelCall(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	model := NewScriptedModel(Text("never"))
	model.Block = block
	f := newFixture(t, model, nil)
	sess := session.New("c")

	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Cancel()
	}()

	done := make(chan Result, 1)
	go func() { done <- f.loop.Run(context.Background(), sess, f.def, RunInput{Prompt: "hi"}) }()

	select {
	case res := <-done:
		assert.Equal(t, protocol.ReasonCancelled, res.Reason)
		assert.Equal(t, 0, res.Steps)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the model call")
	}
}

type stateEmitter struct {
	mu      sync.Mutex
	sess    *session.Session
	atFinal session.State
}

func (e *stateEmitter) SendMessage(_ string, frame protocol.Frame) error {
	if _, ok := frame.(*protocol.SessionComplete); ok {
		e.mu.Lock()
		e.atFinal = e.sess.State()
		e.mu.Unlock()
	}
	return nil
}

func TestRun_SessionCompleteSentBeforeTerminal(t *testing.T) {
	sess := session.New("c")
	emitter := &stateEmitter{sess: sess}
	d := dispatch.New(dispatch.Config{Logger: zerolog.Nop()})
	loop, err := NewLoop(Config{Model: NewScriptedModel(Text("ok")), Dispatcher: d, Emitter: emitter, Logger: zerolog.Nop()})
	require.NoError(t, err)

	res := loop.Run(context.Background(), sess, &registry.AgentDefinition{ID: "base", Version: "1.0.0"}, RunInput{Prompt: "hi"})

	assert.Equal(t, protocol.ReasonFinished, res.Reason)
	assert.NotEqual(t, session.StateTerminal, emitter.atFinal)
	assert.Equal(t, session.StateTerminal, sess.State())
}
