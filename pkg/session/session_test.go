package session

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_IndicesStrictlyIncreasingWithoutGaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		h := NewHistory()
		h.Append(UserMessage("start"))

		batches := rng.Intn(6)
		for b := 0; b < batches; b++ {
			size := 1 + rng.Intn(5)
			for i := 0; i < size; i++ {
				id := h.Append(ToolCallMessage("", "read_files", json.RawMessage(`{}`))).ID
				h.Append(ToolResultMessage(id, "read_files", json.RawMessage(`"ok"`), false))
			}
		}

		for i, msg := range h.Messages() {
			require.Equal(t, i, msg.Index, "trial %d", trial)
			require.NotEmpty(t, msg.ID)
		}
	}
}

func TestHistory_ConcurrentAppendKeepsDenseIndices(t *testing.T) {
	h := NewHistory()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Append(AgentTextMessage("x"))
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, msg := range h.Messages() {
		seen[msg.Index] = true
	}
	assert.Len(t, seen, 20)
	for i := 0; i < 20; i++ {
		assert.True(t, seen[i])
	}
}

func TestHistory_MessagesIsCopy(t *testing.T) {
	h := NewHistory()
	h.Append(UserMessage("a"))

	snap := h.Messages()
	snap[0].Text = "mutated"

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "a", last.Text)
}

func TestSession_TerminateOnce(t *testing.T) {
	sess := New("conn-1")
	assert.Equal(t, StateAwaitingModel, sess.State())

	sess.SetState(StateDispatching)
	assert.True(t, sess.Terminate("finished", "agent finished"))
	assert.False(t, sess.Terminate("error", "late"))

	reason, detail := sess.Reason()
	assert.Equal(t, "finished", reason)
	assert.Equal(t, "agent finished", detail)

	sess.SetState(StateAwaitingModel)
	assert.Equal(t, StateTerminal, sess.State(), "terminal is sticky")

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestSession_CancelFlag(t *testing.T) {
	sess := New("conn-1")
	assert.False(t, sess.Cancelled())
	select {
	case <-sess.CancelRequested():
		t.Fatal("CancelRequested closed before Cancel")
	default:
	}

	sess.Cancel()
	sess.Cancel()
	assert.True(t, sess.Cancelled())
	assert.True(t, sess.Snapshot(false).Cancelled)
	select {
	case <-sess.CancelRequested():
	default:
		t.Fatal("CancelRequested should be closed")
	}
}

func TestHistory_ToolCallMessagesGetOwnIDs(t *testing.T) {
	h := NewHistory()
	first := h.Append(ToolCallMessage("call_0", "read_files", json.RawMessage(`{}`)))
	second := h.Append(ToolCallMessage("call_0", "read_files", json.RawMessage(`{}`)))

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, "call_0", first.ID)
	assert.Equal(t, "call_0", first.ToolCallID)
	assert.Equal(t, "call_0", second.ToolCallID)
}

func TestStore_WaitEmpty(t *testing.T) {
	st := NewStore()
	a, b := New("c1"), New("c2")
	st.Add(a)
	st.Add(b)
	assert.Equal(t, 2, st.Count())

	done := make(chan error, 1)
	go func() {
		done <- st.WaitEmpty(context.Background())
	}()

	st.Remove(a.ID)
	select {
	case <-done:
		t.Fatal("WaitEmpty returned with a session still present")
	case <-time.After(20 * time.Millisecond):
	}

	st.Remove(b.ID)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty did not return")
	}
}

func TestStore_WaitEmptyHonoursContext(t *testing.T) {
	st := NewStore()
	st.Add(New("c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, st.WaitEmpty(ctx), context.DeadlineExceeded)
}

func TestArchiver_RoundTrip(t *testing.T) {
	arch, err := NewArchiver(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	sess := New("conn-1")
	sess.SetAgent("codebuff/reviewer", "1.2.0")
	sess.History().Append(UserMessage("review this diff"))
	sess.History().Append(AgentTextMessage("looks good"))

	assert.Error(t, arch.Archive(sess), "non-terminal sessions are rejected")

	sess.Terminate("finished", "agent finished")
	require.NoError(t, arch.Archive(sess))

	snap, err := arch.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, snap.ID)
	assert.Equal(t, "1.2.0", snap.AgentVersion)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "looks good", snap.Messages[1].Text)
	assert.Equal(t, 1, snap.Messages[1].Index)
}

func TestArchiver_RejectsUnsafeIDs(t *testing.T) {
	arch, err := NewArchiver(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = arch.Load("../etc/passwd")
	assert.Error(t, err)
}
