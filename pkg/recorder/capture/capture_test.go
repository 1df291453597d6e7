package capture

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
)

const sseCapture = `{"threadId":"t1","runId":"r1","messages":[{"id":"m1","role":"user","content":"Hi"}]}

: keepalive
event: message
data: {"type":"RUN_STARTED","threadId":"t1","runId":"r1"}

data: {"type":"TOOL_CALL_START","toolCallId":"c1","toolCallName":"lookup","_eval_metadata":{"raw_function_call":{"id":"c1","name":"lookup","args":{}}}}
data: {"type":"TEXT_MESSAGE_CONTENT","messageId":"m2","delta":"The answer."}
data: [DONE]
{"type":"RUN_FINISHED","threadId":"t1","runId":"r1"}`

func TestRead_LineStream(t *testing.T) {
	run, err := Read(strings.NewReader(sseCapture))
	require.NoError(t, err)

	require.NotNil(t, run.Input)
	assert.Equal(t, "t1", run.Input.ThreadID)
	msg, ok := run.Input.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "Hi", msg.Text())

	require.Len(t, run.Events, 4)
	assert.Equal(t, events.TypeRunStarted, run.Events[0].Type)
	assert.Equal(t, "lookup", run.Events[1].EvalMetadata.RawFunctionCall.Name)
	assert.Equal(t, "The answer.", run.Events[2].Delta)
	assert.Equal(t, events.TypeRunFinished, run.Events[3].Type)
}

func TestRead_Document(t *testing.T) {
	doc := `
	{"input":{"threadId":"t9","runId":"r9","messages":[]},
	 "events":[{"type":"TEXT_MESSAGE_CONTENT","delta":"x"},{"type":"RUN_FINISHED"}]}`

	run, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "t9", run.Input.ThreadID)
	assert.Len(t, run.Events, 2)
}

func TestRead_InputFromRunStarted(t *testing.T) {
	run, err := Read(strings.NewReader(`data: {"type":"RUN_STARTED","threadId":"t3","runId":"r3"}`))
	require.NoError(t, err)
	require.NotNil(t, run.Input)
	assert.Equal(t, "t3", run.Input.ThreadID)
	assert.Equal(t, "r3", run.Input.RunID)
	assert.Empty(t, run.Input.Messages)
}

func TestRead_MalformedLinesAreKept(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"RUN_STARTED","threadId":"t4","runId":"r4"}`,
		`data: {oops`,
		`data: {"type":"STATE_DELTA","delta":[{"op":"add","path":"/a","value":1}]}`,
		`data: 42`,
		`data: {"type":"RUN_FINISHED"}`,
	}, "\n")

	run, err := Read(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, run.Events, 5)
	assert.True(t, run.Events[1].Malformed)
	assert.False(t, run.Events[2].Malformed)
	assert.Equal(t, "STATE_DELTA", run.Events[2].Type)
	assert.Empty(t, run.Events[2].Delta)
	assert.True(t, run.Events[3].Malformed)
	assert.Equal(t, events.TypeRunFinished, run.Events[4].Type)
}

func TestRead_DocumentWithStateDelta(t *testing.T) {
	doc := `{"events":[
		{"type":"RUN_STARTED","threadId":"t5","runId":"r5"},
		{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/step","value":2}]},
		"stray",
		{"type":"TOOL_CALL_START","toolCallId":"c1","_eval_metadata":{"raw_function_call":{"id":"c1","name":"lookup","args":"raw"}}},
		{"type":"RUN_FINISHED"}
	]}`

	run, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	require.NotNil(t, run.Input)
	assert.Equal(t, "t5", run.Input.ThreadID)
	require.Len(t, run.Events, 5)
	assert.Equal(t, "STATE_DELTA", run.Events[1].Type)
	assert.True(t, run.Events[2].Malformed)
	assert.Empty(t, run.Events[3].EvalMetadata.RawFunctionCall.Args)
}

func TestRead_InvalidRunInput(t *testing.T) {
	_, err := Read(strings.NewReader("data: {\"type\":\"RUN_STARTED\"}\ndata: {\"threadId\":5}\n"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidFormat, apperrors.Code(err))
	assert.Contains(t, err.Error(), "line 2")
}

func TestReader_Next(t *testing.T) {
	r := NewReader(strings.NewReader("\n\ndata: {\"type\":\"RUN_FINISHED\"}\n"))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Line)
	require.NotNil(t, rec.Event)
	assert.Nil(t, rec.Input)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRead_Empty(t *testing.T) {
	run, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, run.Input)
	assert.Empty(t, run.Events)
}
