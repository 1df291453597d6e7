package invocation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionCall_UnmarshalLenient(t *testing.T) {
	tests := []struct {
		name string
		data string
		want FunctionCall
	}{
		{
			name: "object args",
			data: `{"id":"c1","name":"lookup","args":{"q":"x"}}`,
			want: FunctionCall{ID: "c1", Name: "lookup", Args: map[string]any{"q": "x"}},
		},
		{
			name: "string args",
			data: `{"id":"c1","name":"lookup","args":"raw"}`,
			want: FunctionCall{ID: "c1", Name: "lookup", Args: map[string]any{}},
		},
		{
			name: "array args",
			data: `{"id":"c1","name":"lookup","args":[1,2]}`,
			want: FunctionCall{ID: "c1", Name: "lookup", Args: map[string]any{}},
		},
		{
			name: "null args",
			data: `{"id":"c1","name":"lookup","args":null}`,
			want: FunctionCall{ID: "c1", Name: "lookup"},
		},
		{
			name: "numeric id",
			data: `{"id":3,"name":"lookup"}`,
			want: FunctionCall{Name: "lookup"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got FunctionCall
			require.NoError(t, json.Unmarshal([]byte(tt.data), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var fc FunctionCall
	assert.Error(t, json.Unmarshal([]byte(`"lookup"`), &fc))
}

func TestFunctionResponse_UnmarshalLenient(t *testing.T) {
	var fr FunctionResponse
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","name":false,"response":[1]}`), &fr))
	assert.Equal(t, FunctionResponse{ID: "c1", Response: []any{float64(1)}}, fr)
}

func TestPart_UnknownKeysSurvive(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "unknown part kind",
			data: `{"inline_data":{"mime_type":"image/png","data":"aGk="}}`,
		},
		{
			name: "text with extra key",
			data: `{"text":"hello","thought":true}`,
		},
		{
			name: "call with extra key",
			data: `{"function_call":{"id":"c1","args":{},"name":"lookup"},"video_metadata":{"fps":2}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Part
			require.NoError(t, json.Unmarshal([]byte(tt.data), &p))
			out, err := json.Marshal(&p)
			require.NoError(t, err)
			assert.JSONEq(t, tt.data, string(out))
		})
	}
}

func TestPart_KnownKeysOnly(t *testing.T) {
	var p Part
	require.NoError(t, json.Unmarshal([]byte(`{}`), &p))
	assert.Equal(t, *NewTextPart(""), p)

	out, err := json.Marshal(&p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":""}`, string(out))
}
