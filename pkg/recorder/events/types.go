package events

import (
	"encoding/json"

	"github.com/stoewer/go-strcase"
	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

// Protocol event types consumed by the recorder
const (
	TypeRunStarted         = "RUN_STARTED"
	TypeRunFinished        = "RUN_FINISHED"
	TypeToolCallStart      = "TOOL_CALL_START"
	TypeToolCallArgs       = "TOOL_CALL_ARGS"
	TypeToolCallEnd        = "TOOL_CALL_END"
	TypeToolCallResult     = "TOOL_CALL_RESULT"
	TypeTextMessageStart   = "TEXT_MESSAGE_START"
	TypeTextMessageContent = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     = "TEXT_MESSAGE_END"
)

// Event is one decoded protocol event from the upstream agent bridge. Only
// the fields the recorder reads are modeled; field names are part of the
// wire contract.
type Event struct {
	Type         string        `json:"type"`
	ThreadID     string        `json:"threadId,omitempty"`
	RunID        string        `json:"runId,omitempty"`
	MessageID    string        `json:"messageId,omitempty"`
	ToolCallID   string        `json:"toolCallId,omitempty"`
	ToolCallName string        `json:"toolCallName,omitempty"`
	Delta        string        `json:"delta,omitempty"`
	EvalMetadata *EvalMetadata `json:"_eval_metadata,omitempty"`

	// Malformed marks a batch element that was not an event object. It is
	// kept in place so that it is counted instead of aborting the batch.
	Malformed bool `json:"-"`
}

// UnmarshalJSON decodes ev leniently. Fields of an unexpected JSON type are
// left empty, e.g. the JSON-Patch array delta of STATE_DELTA, so that the
// classifier decides what to ignore. Only a non-object fails.
func (ev *Event) UnmarshalJSON(data []byte) error {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return apperrors.New(apperrors.ErrCodeInvalidFormat, "event must be a JSON object", nil)
	}

	*ev = Event{
		Type:         stringField(doc, "type"),
		ThreadID:     stringField(doc, "threadId"),
		RunID:        stringField(doc, "runId"),
		MessageID:    stringField(doc, "messageId"),
		ToolCallID:   stringField(doc, "toolCallId"),
		ToolCallName: stringField(doc, "toolCallName"),
		Delta:        stringField(doc, "delta"),
	}
	if meta := doc.Get("_eval_metadata"); meta.IsObject() {
		ev.EvalMetadata = &EvalMetadata{}
		if err := json.Unmarshal([]byte(meta.Raw), ev.EvalMetadata); err != nil {
			return err
		}
	}
	return nil
}

// EvalMetadata is the evaluation side-channel attached to tool events.
type EvalMetadata struct {
	Author              string                       `json:"author,omitempty"`
	Role                string                       `json:"role,omitempty"`
	RawFunctionCall     *invocation.FunctionCall     `json:"raw_function_call,omitempty"`
	RawFunctionResponse *invocation.FunctionResponse `json:"raw_function_response,omitempty"`
	ThoughtSignature    string                       `json:"thought_signature,omitempty"`
}

// UnmarshalJSON decodes m leniently; a raw call or response that is not an
// object is treated as absent.
func (m *EvalMetadata) UnmarshalJSON(data []byte) error {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return apperrors.New(apperrors.ErrCodeInvalidFormat, "_eval_metadata must be a JSON object", nil)
	}

	*m = EvalMetadata{
		Author:           stringField(doc, "author"),
		Role:             stringField(doc, "role"),
		ThoughtSignature: stringField(doc, "thought_signature"),
	}
	if call := doc.Get("raw_function_call"); call.IsObject() {
		m.RawFunctionCall = &invocation.FunctionCall{}
		if err := json.Unmarshal([]byte(call.Raw), m.RawFunctionCall); err != nil {
			return err
		}
	}
	if resp := doc.Get("raw_function_response"); resp.IsObject() {
		m.RawFunctionResponse = &invocation.FunctionResponse{}
		if err := json.Unmarshal([]byte(resp.Raw), m.RawFunctionResponse); err != nil {
			return err
		}
	}
	return nil
}

// stringField returns the string value of key, falling back to its
// snake_case spelling as emitted by bridges that dump models without
// aliases. Non-string values read as "".
func stringField(doc gjson.Result, key string) string {
	v := doc.Get(key)
	if !v.Exists() {
		if snake := strcase.SnakeCase(key); snake != key {
			v = doc.Get(snake)
		}
	}
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// Decode parses a single JSON event.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// DecodeBatch decodes a single event or an array of events. Array elements
// that are not event objects are returned in place as malformed events.
func DecodeBatch(data []byte) ([]Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "invalid JSON", nil)
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		ev, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}

	elems := doc.Array()
	out := make([]Event, 0, len(elems))
	for _, el := range elems {
		ev, err := Decode([]byte(el.Raw))
		if err != nil {
			ev = Event{Malformed: true}
		}
		out = append(out, ev)
	}
	return out, nil
}
