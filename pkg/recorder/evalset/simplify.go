package evalset

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

// Tool calls hidden from the simplified view
const (
	ThinkingToolName = "thinking"
	TransferToolName = "transfer_to_agent"
)

// View is the simplified rendering of a saved conversation.
type View struct {
	ID          string                  `json:"id"`
	Invocations []*SimplifiedInvocation `json:"invocations"`
}

// SimplifiedInvocation keeps the messages, feedback and tool calls of one
// invocation.
type SimplifiedInvocation struct {
	InvocationID string      `json:"invocation_id"`
	UserMessage  string      `json:"user_message"`
	AgentMessage string      `json:"agent_message"`
	Timestamp    float64     `json:"timestamp"`
	UserRating   json.Number `json:"user_rating,omitempty"`
	UserFeedback string      `json:"user_feedback,omitempty"`
	ToolCalls    []*ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function call joined with its response.
type ToolCall struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Simplify renders a raw conversation document. Missing fields yield empty
// values; only a non-array document is an error.
func Simplify(id string, raw []byte) (*View, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "Invalid conversation format", nil)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "Invalid conversation format", nil)
	}

	view := &View{ID: id, Invocations: []*SimplifiedInvocation{}}
	for _, inv := range doc.Array() {
		view.Invocations = append(view.Invocations, simplifyInvocation(inv))
	}
	return view, nil
}

func simplifyInvocation(inv gjson.Result) *SimplifiedInvocation {
	out := &SimplifiedInvocation{
		InvocationID: inv.Get("invocation_id").String(),
		UserMessage:  inv.Get("user_content.parts.0.text").String(),
		AgentMessage: inv.Get("final_response.parts.0.text").String(),
		Timestamp:    inv.Get("creation_timestamp").Float(),
	}

	if rating := inv.Get("final_response._user_rating"); rating.Type == gjson.Number && rating.Num != 0 {
		out.UserRating = json.Number(rating.Raw)
	}
	if feedback := inv.Get("final_response._user_feedback"); feedback.Type == gjson.String {
		out.UserFeedback = feedback.Str
	}

	calls := newCallMap()
	inv.Get("intermediate_data.invocation_events").ForEach(func(_, event gjson.Result) bool {
		event.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if call := part.Get("function_call"); call.IsObject() {
				name := call.Get("name").String()
				if name != ThinkingToolName && name != TransferToolName {
					calls.set(call.Get("id").String(), &ToolCall{Name: name, Args: rawOrNil(call.Get("args"))})
				}
			} else if resp := part.Get("function_response"); resp.IsObject() {
				if call, ok := calls.get(resp.Get("id").String()); ok {
					call.Result = rawOrNil(resp.Get("response"))
				}
			}
			return true
		})
		return true
	})
	out.ToolCalls = calls.values()
	return out
}

// rawOrNil returns the compacted raw JSON of r, or nil when r is absent.
func rawOrNil(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(r.Raw)); err != nil {
		return json.RawMessage(r.Raw)
	}
	return buf.Bytes()
}

// callMap is keyed by call id and iterates in first-insertion order.
type callMap struct {
	order []string
	calls map[string]*ToolCall
}

func newCallMap() *callMap {
	return &callMap{calls: make(map[string]*ToolCall)}
}

func (m *callMap) set(id string, call *ToolCall) {
	if _, ok := m.calls[id]; !ok {
		m.order = append(m.order, id)
	}
	m.calls[id] = call
}

func (m *callMap) get(id string) (*ToolCall, bool) {
	call, ok := m.calls[id]
	return call, ok
}

func (m *callMap) values() []*ToolCall {
	if len(m.order) == 0 {
		return nil
	}
	out := make([]*ToolCall, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.calls[id])
	}
	return out
}
