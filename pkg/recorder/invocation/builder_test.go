package invocation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuilder(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	b := NewBuilder("Hi", "e-123", now)

	inv, ok := b.Finalize()
	require.True(t, ok)
	assert.Equal(t, "e-123", inv.InvocationID)
	assert.Equal(t, RoleUser, inv.UserContent.Role)
	require.Len(t, inv.UserContent.Parts, 1)
	assert.Equal(t, "Hi", inv.UserContent.Parts[0].Text)
	assert.Equal(t, RoleModel, inv.FinalResponse.Role)
	assert.Empty(t, inv.FinalResponse.Parts)
	assert.InDelta(t, 1700000000.123, inv.CreationTimestamp, 1e-6)
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.True(t, strings.HasPrefix(id, "e-"))
	assert.Len(t, id, len("e-")+36)
	assert.NotEqual(t, id, NewID())
}

func TestBuilder_AppendText(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	for _, d := range []string{"Hel", "lo, ", "world"} {
		b.AppendText(d)
	}

	inv, ok := b.Finalize()
	require.True(t, ok)
	require.Len(t, inv.FinalResponse.Parts, 1)
	assert.Equal(t, "Hello, world", inv.FinalResponse.Parts[0].Text)
}

func TestBuilder_AppendToolCallDefaults(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	b.AppendToolCall("", "", &FunctionCall{ID: "abc", Name: "lookup", Args: map[string]any{"q": "x"}})
	b.AppendToolResult("", "", &FunctionResponse{ID: "abc", Name: "lookup", Response: map[string]any{"ok": true}})

	inv, _ := b.Finalize()
	events := inv.Events()
	require.Len(t, events, 2)

	assert.Equal(t, DefaultAuthor, events[0].Author)
	assert.Equal(t, RoleModel, events[0].Content.Role)
	assert.Equal(t, "lookup", events[0].Content.Parts[0].FunctionCall.Name)

	assert.Equal(t, DefaultAuthor, events[1].Author)
	assert.Equal(t, RoleUser, events[1].Content.Role)
	assert.Equal(t, "abc", events[1].Content.Parts[0].FunctionResponse.ID)
}

func TestBuilder_AppendToolCallAttribution(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	b.AppendToolCall("research_agent", "assistant", &FunctionCall{ID: "c1", Name: "search"})

	inv, _ := b.Finalize()
	assert.Equal(t, "research_agent", inv.Events()[0].Author)
	assert.Equal(t, "assistant", inv.Events()[0].Content.Role)
}

func TestBuilder_AppendThinking(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	b.AppendToolCall("a", "", &FunctionCall{ID: "c1", Name: "lookup"})
	b.AppendThinking(&InvocationEvent{
		Author:  "a",
		Content: &Content{Parts: []*Part{{FunctionCall: &FunctionCall{ID: "thinking-1", Name: "thinking"}}}, Role: RoleModel},
	})

	assert.Equal(t, 2, b.EventCount())
	inv, _ := b.Finalize()
	assert.Equal(t, "thinking", inv.Events()[1].Content.Parts[0].FunctionCall.Name)
}

func TestFinalize_EmptyIntermediateDataSerializesAsEmptyObject(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	inv, ok := b.Finalize()
	require.True(t, ok)

	data, err := json.Marshal(inv)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `{}`, string(raw["intermediate_data"]))
}

func TestFinalize_DiscardsWithoutUserContent(t *testing.T) {
	b := NewBuilder("q", "e-1", time.Now())
	b.inv.UserContent.Parts = nil

	inv, ok := b.Finalize()
	assert.False(t, ok)
	assert.Nil(t, inv)
}

func TestNormalize_Idempotent(t *testing.T) {
	inv := &Invocation{IntermediateData: &IntermediateData{InvocationEvents: []*InvocationEvent{}}}
	inv.Normalize()
	inv.Normalize()
	assert.Nil(t, inv.IntermediateData.InvocationEvents)

	missing := &Invocation{}
	missing.Normalize()
	require.NotNil(t, missing.IntermediateData)
}

func TestPart_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		part *Part
		want string
	}{
		{
			name: "text",
			part: NewTextPart("hello"),
			want: `{"text":"hello"}`,
		},
		{
			name: "empty text keeps key",
			part: NewTextPart(""),
			want: `{"text":""}`,
		},
		{
			name: "function call with signature",
			part: &Part{
				FunctionCall:     &FunctionCall{ID: "t1", Name: "thinking", Args: map[string]any{"totalTokenCount": 12}},
				ThoughtSignature: "c2lnbmF0dXJl",
			},
			want: `{"function_call":{"id":"t1","args":{"totalTokenCount":12},"name":"thinking"},"thought_signature":"c2lnbmF0dXJl"}`,
		},
		{
			name: "function response",
			part: &Part{FunctionResponse: &FunctionResponse{ID: "c1", Name: "lookup", Response: "42"}},
			want: `{"function_response":{"id":"c1","name":"lookup","response":"42"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.part)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestFinalResponse_FeedbackFields(t *testing.T) {
	rating := 4
	feedback := ""
	fr := &FinalResponse{
		Content:      Content{Parts: []*Part{NewTextPart("a")}, Role: RoleModel},
		UserRating:   &rating,
		UserFeedback: &feedback,
	}

	data, err := json.Marshal(fr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"parts":[{"text":"a"}],"role":"model","_user_rating":4,"_user_feedback":""}`, string(data))

	var decoded FinalResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.UserRating)
	assert.Equal(t, 4, *decoded.UserRating)
	assert.Equal(t, "a", decoded.Parts[0].Text)
}

func TestInvocation_Accessors(t *testing.T) {
	inv := &Invocation{}
	assert.Equal(t, "", inv.UserText())
	assert.Equal(t, "", inv.FinalText())
	assert.Nil(t, inv.Events())
}
