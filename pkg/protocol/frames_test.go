package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RunRequest(t *testing.T) {
	raw := []byte(`{"type":"run_request","agent":"codebuff/reviewer","message":"review this diff","metadata":{"client":"cli"}}`)

	frame, err := Decode(raw)
	require.NoError(t, err)

	req, ok := frame.(*RunRequest)
	require.True(t, ok)
	assert.Equal(t, "codebuff/reviewer", req.Agent)
	assert.Equal(t, "review this diff", req.Message)
	assert.Equal(t, "cli", req.Metadata["client"])
}

func TestDecode_ToolCallResultKeepsRawOutput(t *testing.T) {
	raw := []byte(`{"type":"tool_call_result","correlation_id":"c1","output":{"ok":true,"lines":[1,2]}}`)

	frame, err := Decode(raw)
	require.NoError(t, err)

	res := frame.(*ToolCallResult)
	assert.Equal(t, "c1", res.CorrelationID)
	assert.JSONEq(t, `{"ok":true,"lines":[1,2]}`, string(res.Output))
	assert.Empty(t, res.Error)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"invalid json", `{"type":`, ErrMalformedFrame},
		{"missing type", `{"agent":"x"}`, ErrMalformedFrame},
		{"non-string type", `{"type":42}`, ErrMalformedFrame},
		{"unknown type", `{"type":"telepathy"}`, ErrUnknownFrame},
		{"wrong field type", `{"type":"run_request","agent":7}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncode_SetsTypeAndStamp(t *testing.T) {
	frame := &SessionComplete{Reason: ReasonFinished, Message: ReasonFinished.Describe(), Steps: 2}
	Stamp(frame, "sess-1", 7, 1700000000000)

	data, err := Encode(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "session_complete", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, float64(7), decoded["seq"])
	assert.Equal(t, "finished", decoded["reason"])

	kind, err := PeekKind(data)
	require.NoError(t, err)
	assert.Equal(t, KindSessionComplete, kind)
}

func TestCompletionReason_Describe(t *testing.T) {
	assert.Equal(t, "step budget exhausted", ReasonBudgetExceeded.Describe())
	assert.Equal(t, "custom", CompletionReason("custom").Describe())
}
