package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, handlers ...Handler) *Dispatcher {
	t.Helper()
	d := New(Config{Logger: zerolog.Nop()})
	for _, h := range handlers {
		require.NoError(t, d.Register(h))
	}
	return d
}

func tool(name string, caps Capabilities, fn func(ctx context.Context, call *Call) (Output, error)) Handler {
	return HandlerFunc{
		Def: ToolDefinition{
			Name:        name,
			Description: name + " tool",
			Parameters: []ToolParameter{
				{Name: "n", Type: "integer", Description: "sequence number"},
				{Name: "text", Type: "string", Description: "payload"},
			},
			Capabilities: caps,
		},
		Fn: fn,
	}
}

func calls(name string, n int) []ToolCall {
	out := make([]ToolCall, n)
	for i := range out {
		out[i] = ToolCall{ID: fmt.Sprintf("call-%d", i), Name: name, Input: map[string]interface{}{"n": i}}
	}
	return out
}

func TestDispatch_MutationsApplyInEmissionOrder(t *testing.T) {
	for _, n := range []int{1, 2, 5, 17} {
		t.Run(fmt.Sprintf("batch_%d", n), func(t *testing.T) {
			var (
				mu    sync.Mutex
				state []int
				last  int
			)
			rng := rand.New(rand.NewSource(int64(n)))
			delays := make([]time.Duration, n)
			for i := range delays {
				delays[i] = time.Duration(rng.Intn(15)) * time.Millisecond
			}

			h := tool("append", Capabilities{Mutates: true}, func(ctx context.Context, call *Call) (Output, error) {
				// Simulated I/O overlaps freely; only the mutation is gated.
				time.Sleep(delays[call.Index])
				if err := call.Wait(ctx); err != nil {
					return Output{}, err
				}
				mu.Lock()
				state = append(state, call.Index)
				last = call.Index
				mu.Unlock()
				return Output{Value: call.Index}, nil
			})

			d := newTestDispatcher(t, h)
			out := d.Dispatch(context.Background(), session.New("c"), calls("append", n), []string{"append"})

			require.Len(t, out.Results, n)
			for i, res := range out.Results {
				assert.Equal(t, fmt.Sprintf("call-%d", i), res.CallID)
				assert.False(t, res.IsError())
			}
			expected := make([]int, n)
			for i := range expected {
				expected[i] = i
			}
			assert.Equal(t, expected, state)
			assert.Equal(t, n-1, last)
		})
	}
}

func TestDispatch_ReadOnlyCallsRunConcurrently(t *testing.T) {
	var running sync.WaitGroup
	running.Add(2)
	both := make(chan struct{})
	go func() {
		running.Wait()
		close(both)
	}()

	h := tool("read", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		running.Done()
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			return Output{}, errors.New("calls did not overlap")
		}
		// Later calls finish first; results still come back in order.
		time.Sleep(time.Duration(2-call.Index) * 5 * time.Millisecond)
		return Output{Value: call.Index}, nil
	})

	d := newTestDispatcher(t, h)
	out := d.Dispatch(context.Background(), session.New("c"), calls("read", 2), []string{"read"})

	require.Len(t, out.Results, 2)
	assert.Equal(t, 0, out.Results[0].Output)
	assert.Equal(t, 1, out.Results[1].Output)
	assert.False(t, out.Results[0].IsError(), out.Results[0].Error)
}

func TestDispatch_RejectedCallsDoNotAbortBatch(t *testing.T) {
	ok := tool("ok", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		return Output{Value: "fine"}, nil
	})
	hidden := tool("hidden", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		t.Error("disallowed tool must not run")
		return Output{}, nil
	})
	d := newTestDispatcher(t, ok, hidden)

	batch := []ToolCall{
		{ID: "1", Name: "nope"},
		{ID: "2", Name: "hidden"},
		{ID: "3", Name: "ok", Input: map[string]interface{}{"n": "not-a-number"}},
		{ID: "4", Name: "ok", Input: map[string]interface{}{"extra": true}},
		{ID: "5", Name: "ok"},
	}
	out := d.Dispatch(context.Background(), session.New("c"), batch, []string{"ok"})

	require.Len(t, out.Results, 5)
	assert.Contains(t, out.Results[0].Error, "tool not found")
	assert.Contains(t, out.Results[1].Error, "not allowed")
	assert.Contains(t, out.Results[2].Error, "parameter validation failed")
	assert.Contains(t, out.Results[3].Error, "parameter validation failed")
	assert.False(t, out.Results[4].IsError())
	assert.Equal(t, "fine", out.Results[4].Output)
	assert.Empty(t, out.Discarded)
}

func TestDispatch_HandlerErrorsBecomeResults(t *testing.T) {
	boom := errors.New("disk on fire")
	failing := tool("fail", Capabilities{Mutates: true}, func(ctx context.Context, call *Call) (Output, error) {
		return Output{}, boom
	})
	panicking := tool("panic", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		panic("oops")
	})
	after := tool("after", Capabilities{Mutates: true}, func(ctx context.Context, call *Call) (Output, error) {
		if err := call.Wait(ctx); err != nil {
			return Output{}, err
		}
		return Output{Value: "ran"}, nil
	})
	d := newTestDispatcher(t, failing, panicking, after)

	batch := []ToolCall{{ID: "a", Name: "fail"}, {ID: "b", Name: "panic"}, {ID: "c", Name: "after"}}
	out := d.Dispatch(context.Background(), session.New("c"), batch, []string{"fail", "panic", "after"})

	require.Len(t, out.Results, 3)

	var dispatchErr *ToolDispatchError
	require.True(t, errors.As(out.Results[0].Err, &dispatchErr))
	assert.Equal(t, "fail", dispatchErr.Tool)
	assert.ErrorIs(t, out.Results[0].Err, boom)

	assert.Contains(t, out.Results[1].Error, "panic")
	assert.Equal(t, "ran", out.Results[2].Output)
}

func TestDispatch_EndsTurnWaitsThenDiscardsRest(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	slow := tool("slow", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		time.Sleep(30 * time.Millisecond)
		record("slow")
		return Output{Value: "slow done"}, nil
	})
	end := tool("end_turn", Capabilities{EndsTurn: true}, func(ctx context.Context, call *Call) (Output, error) {
		record("end_turn")
		return Output{Value: "ok"}, nil
	})
	later := tool("later", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		record("later")
		return Output{}, nil
	})
	d := newTestDispatcher(t, slow, end, later)

	batch := []ToolCall{{ID: "1", Name: "slow"}, {ID: "2", Name: "end_turn"}, {ID: "3", Name: "later"}, {ID: "4", Name: "slow"}}
	out := d.Dispatch(context.Background(), session.New("c"), batch, []string{"slow", "end_turn", "later"})

	assert.True(t, out.EndTurn)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "slow done", out.Results[0].Output)
	assert.Equal(t, "2", out.Results[1].CallID)
	require.Len(t, out.Discarded, 2)
	assert.Equal(t, "3", out.Discarded[0].ID)
	assert.Equal(t, []string{"slow", "end_turn"}, order)
}

func TestDispatch_OutputEndTurnStopsLaterStarts(t *testing.T) {
	d := New(Config{Logger: zerolog.Nop(), MaxConcurrency: 1})
	stop := tool("stop", Capabilities{Mutates: true}, func(ctx context.Context, call *Call) (Output, error) {
		return Output{Value: "bye", EndTurn: true}, nil
	})
	require.NoError(t, d.Register(stop))

	out := d.Dispatch(context.Background(), session.New("c"), []ToolCall{{ID: "1", Name: "stop"}}, []string{"stop"})
	assert.True(t, out.EndTurn)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].EndTurn)
}

func TestDispatch_CancelledSessionStartsNothing(t *testing.T) {
	ran := false
	h := tool("t", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		ran = true
		return Output{}, nil
	})
	d := newTestDispatcher(t, h)

	sess := session.New("c")
	sess.Cancel()
	out := d.Dispatch(context.Background(), sess, calls("t", 3), []string{"t"})

	assert.False(t, ran)
	assert.True(t, out.Cancelled)
	assert.Empty(t, out.Results)
	assert.Len(t, out.Discarded, 3)
}

func TestDispatch_CancelWhileInFlightLetsCallFinish(t *testing.T) {
	sess := session.New("c")
	entered := make(chan struct{})
	release := make(chan struct{})

	h := tool("write", Capabilities{Mutates: true}, func(ctx context.Context, call *Call) (Output, error) {
		if err := call.Wait(ctx); err != nil {
			return Output{}, err
		}
		if call.Index == 0 {
			close(entered)
			<-release
		}
		return Output{Value: call.Index}, nil
	})
	d := newTestDispatcher(t, h)

	go func() {
		<-entered
		sess.Cancel()
		close(release)
	}()

	out := d.Dispatch(context.Background(), sess, calls("write", 2), []string{"write"})

	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].IsError())
	assert.Equal(t, 0, out.Results[0].Output)

	// Whether or not call-1 was already waiting on its gate, it never applied.
	assert.True(t, out.Cancelled)
	require.Len(t, out.Discarded, 1)
	assert.Equal(t, "call-1", out.Discarded[0].ID)
}

func TestDispatch_TruncatesLargeOutput(t *testing.T) {
	big := strings.Repeat("x", MaxOutputSize*2)
	h := tool("big", Capabilities{}, func(ctx context.Context, call *Call) (Output, error) {
		return Output{Value: big}, nil
	})
	d := newTestDispatcher(t, h)

	out := d.Dispatch(context.Background(), session.New("c"), calls("big", 1), []string{"big"})
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Truncated)
	assert.Less(t, len(out.Results[0].Output.(string)), len(big))
}

func TestRegister_Validation(t *testing.T) {
	d := New(Config{Logger: zerolog.Nop()})
	noop := func(ctx context.Context, call *Call) (Output, error) { return Output{}, nil }

	require.NoError(t, d.Register(tool("a", Capabilities{}, noop)))
	assert.Error(t, d.Register(tool("a", Capabilities{}, noop)), "duplicate")
	assert.Error(t, d.Register(HandlerFunc{Def: ToolDefinition{Description: "x"}, Fn: noop}))
	assert.Error(t, d.Register(HandlerFunc{Def: ToolDefinition{Name: "x"}, Fn: noop}))
	assert.Error(t, d.Register(HandlerFunc{
		Def: ToolDefinition{Name: "y", Description: "y", Parameters: []ToolParameter{{Name: "p", Type: "date"}}},
		Fn:  noop,
	}))
}

func TestSpecs(t *testing.T) {
	noop := func(ctx context.Context, call *Call) (Output, error) { return Output{}, nil }
	d := newTestDispatcher(t, tool("b", Capabilities{}, noop), tool("a", Capabilities{}, noop))

	specs := d.Specs([]string{"b", "a", "missing"})
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Name)
	assert.Equal(t, "object", specs[0].InputSchema["type"])
	assert.Equal(t, []string{"a", "b"}, d.Names())
}

func TestGate_ReleaseIsTransitive(t *testing.T) {
	first := newGate(nil, nil)
	second := newGate(first.Done(), nil)

	released := make(chan struct{})
	go func() {
		second.Release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("second gate opened before first")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release()
	<-released
	assert.NoError(t, second.Wait(context.Background()))
}
