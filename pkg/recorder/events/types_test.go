package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

func TestDecode(t *testing.T) {
	data := []byte(`{
		"type": "TOOL_CALL_START",
		"toolCallId": "abc",
		"toolCallName": "lookup",
		"_eval_metadata": {
			"author": "root_agent",
			"raw_function_call": {"id": "abc", "name": "lookup", "args": {"city": "Paris"}}
		}
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeToolCallStart, ev.Type)
	assert.Equal(t, "abc", ev.ToolCallID)
	require.NotNil(t, ev.EvalMetadata)
	assert.Equal(t, "root_agent", ev.EvalMetadata.Author)
	assert.Equal(t, &invocation.FunctionCall{ID: "abc", Name: "lookup", Args: map[string]any{"city": "Paris"}}, ev.EvalMetadata.RawFunctionCall)

	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestDecode_Lenient(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "state delta with a patch array",
			data: `{"type":"STATE_DELTA","delta":[{"op":"add","path":"/x","value":1}]}`,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "STATE_DELTA", ev.Type)
				assert.Empty(t, ev.Delta)
			},
		},
		{
			name: "args that are not an object",
			data: `{"type":"TOOL_CALL_START","toolCallId":"c1","_eval_metadata":{"raw_function_call":{"id":"c1","name":"lookup","args":"raw"}}}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.EvalMetadata)
				assert.Equal(t, &invocation.FunctionCall{ID: "c1", Name: "lookup", Args: map[string]any{}}, ev.EvalMetadata.RawFunctionCall)
			},
		},
		{
			name: "metadata that is not an object",
			data: `{"type":"TOOL_CALL_RESULT","toolCallId":"c1","_eval_metadata":"oops"}`,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "c1", ev.ToolCallID)
				assert.Nil(t, ev.EvalMetadata)
			},
		},
		{
			name: "numeric ids",
			data: `{"type":"TEXT_MESSAGE_CONTENT","messageId":7,"delta":"Hi"}`,
			check: func(t *testing.T, ev Event) {
				assert.Empty(t, ev.MessageID)
				assert.Equal(t, "Hi", ev.Delta)
			},
		},
		{
			name: "snake case keys",
			data: `{"type":"TOOL_CALL_ARGS","tool_call_id":"thinking_1","delta":"{}"}`,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "thinking_1", ev.ToolCallID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.False(t, ev.Malformed)
			tt.check(t, ev)
		})
	}
}

func TestDecode_NotAnObject(t *testing.T) {
	for _, data := range []string{`5`, `"RUN_FINISHED"`, `[]`, `null`} {
		_, err := Decode([]byte(data))
		assert.Error(t, err, data)
	}
}

func TestDecodeBatch(t *testing.T) {
	data := []byte(`[
		{"type":"TEXT_MESSAGE_CONTENT","delta":"Hi"},
		{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/step","value":2}]},
		5,
		{"type":"RUN_FINISHED"}
	]`)

	evs, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, "Hi", evs[0].Delta)
	assert.Equal(t, "STATE_DELTA", evs[1].Type)
	assert.True(t, evs[2].Malformed)
	assert.Equal(t, TypeRunFinished, evs[3].Type)

	c := NewClassifier()
	assert.Equal(t, diagnostics.ReasonUnhandledType, c.Classify(evs[1]).Reason)
	assert.Equal(t, diagnostics.ReasonMalformedEvent, c.Classify(evs[2]).Reason)
}

func TestDecodeBatch_Single(t *testing.T) {
	evs, err := DecodeBatch([]byte(`{"type":"RUN_FINISHED"}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeRunFinished, evs[0].Type)

	_, err = DecodeBatch([]byte(`5`))
	assert.Error(t, err)

	_, err = DecodeBatch([]byte(`[{"type":`))
	assert.Error(t, err)
}
