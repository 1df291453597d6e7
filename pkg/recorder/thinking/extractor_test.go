package thinking

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

func argsEvent(delta string) events.Event {
	return events.Event{Type: events.TypeToolCallArgs, ToolCallID: "thinking_1", Delta: delta}
}

func TestExtract(t *testing.T) {
	ev := argsEvent(`{"thoughtsTokenCount": 120, "totalTokenCount": 450, "status": "in_progress",
		"_eval_metadata": {"author": "planner", "thought_signature": "CpQBAb4+9vs="}}`)

	got, reason := Extract(ev)
	require.Equal(t, diagnostics.ReasonNone, reason)
	require.NotNil(t, got)

	assert.Equal(t, "planner", got.Author)
	assert.Equal(t, invocation.RoleModel, got.Content.Role)
	require.Len(t, got.Content.Parts, 1)

	part := got.Content.Parts[0]
	assert.Equal(t, "thinking_1", part.FunctionCall.ID)
	assert.Equal(t, FunctionName, part.FunctionCall.Name)
	assert.Equal(t, map[string]any{"thoughtsTokenCount": 120.0, "totalTokenCount": 450.0}, part.FunctionCall.Args)
	assert.Equal(t, "CpQBAb4+9vs=", part.ThoughtSignature)
}

func TestExtract_DefaultAuthorAndNoSignature(t *testing.T) {
	got, reason := Extract(argsEvent(`{"totalTokenCount": 3, "_eval_metadata": {"role": "model"}}`))
	require.Equal(t, diagnostics.ReasonNone, reason)

	assert.Equal(t, invocation.DefaultAuthor, got.Author)
	part := got.Content.Parts[0]
	assert.Empty(t, part.ThoughtSignature)
	assert.Equal(t, map[string]any{"totalTokenCount": 3.0}, part.FunctionCall.Args)
}

func TestExtract_LongSignatureRoundTrips(t *testing.T) {
	sig := strings.Repeat("Ab+/=\\u00e9", 20000)
	payload, err := json.Marshal(map[string]any{
		"thoughtsTokenCount": 1,
		"_eval_metadata":     map[string]any{"thought_signature": sig},
	})
	require.NoError(t, err)

	got, reason := Extract(argsEvent(string(payload)))
	require.Equal(t, diagnostics.ReasonNone, reason)
	assert.Equal(t, sig, got.Content.Parts[0].ThoughtSignature)

	data, err := json.Marshal(got.Content.Parts[0])
	require.NoError(t, err)
	var decoded invocation.Part
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, sig, decoded.ThoughtSignature)
}

func TestExtract_Dropped(t *testing.T) {
	tests := []struct {
		name   string
		delta  string
		reason diagnostics.Reason
	}{
		{"invalid json", `{"thoughtsTokenCount": 1`, diagnostics.ReasonMalformedThinkingArgs},
		{"empty delta", ``, diagnostics.ReasonMalformedThinkingArgs},
		{"no metadata", `{"thoughtsTokenCount": 1}`, diagnostics.ReasonThinkingNoMetadata},
		{"null metadata", `{"_eval_metadata": null}`, diagnostics.ReasonThinkingNoMetadata},
		{"false metadata", `{"_eval_metadata": false}`, diagnostics.ReasonThinkingNoMetadata},
		{"scalar payload", `42`, diagnostics.ReasonThinkingNoMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *invocation.InvocationEvent
			var reason diagnostics.Reason
			assert.NotPanics(t, func() { got, reason = Extract(argsEvent(tt.delta)) })
			assert.Nil(t, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
