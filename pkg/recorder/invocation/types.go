package invocation

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

// Roles used in recorded content
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// DefaultAuthor is used when the upstream metadata does not name an author.
const DefaultAuthor = "unknown"

// Content is a role-tagged ordered list of parts. It is used both for the
// user's message and for the model's final answer.
type Content struct {
	Parts []*Part `json:"parts"`
	Role  string  `json:"role"`
}

// Part is one element of Content. Exactly one of Text, FunctionCall or
// FunctionResponse is meaningful; a part with neither call nor response is a
// text part.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	// ThoughtSignature is an opaque provider token and must round-trip byte for byte.
	ThoughtSignature string `json:"thought_signature,omitempty"`

	// extra holds keys this type does not model, in document order, so that
	// stored parts written by newer producers survive export unchanged.
	extra  []extraField
	noText bool
}

type extraField struct {
	key string
	raw json.RawMessage
}

// FunctionCall represents a tool invocation made by the model
type FunctionCall struct {
	ID   string         `json:"id"`
	Args map[string]any `json:"args"`
	Name string         `json:"name"`
}

// FunctionResponse represents the result of a tool invocation
type FunctionResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// NewTextPart creates a text part
func NewTextPart(text string) *Part {
	return &Part{Text: text}
}

// IsText reports whether the part is a text part.
func (p *Part) IsText() bool {
	return p.FunctionCall == nil && p.FunctionResponse == nil
}

// UnmarshalJSON decodes the known keys of a part and keeps the rest.
func (p *Part) UnmarshalJSON(data []byte) error {
	type plain Part
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Part(v)

	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "text", "function_call", "function_response", "thought_signature":
		default:
			p.extra = append(p.extra, extraField{key: key.Str, raw: json.RawMessage(value.Raw)})
		}
		return true
	})
	p.noText = len(p.extra) > 0 && p.IsText() && !gjson.GetBytes(data, "text").Exists()
	return nil
}

// MarshalJSON writes the tagged-union form: text parts always carry "text",
// even when empty; call and response parts never do. Unknown keys read by
// UnmarshalJSON are appended after the known ones.
func (p *Part) MarshalJSON() ([]byte, error) {
	known, err := p.marshalKnown()
	if err != nil || len(p.extra) == 0 {
		return known, err
	}

	var buf bytes.Buffer
	buf.Write(known[:len(known)-1])
	sep := len(known) > 2
	for _, f := range p.extra {
		if sep {
			buf.WriteByte(',')
		}
		sep = true
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Part) marshalKnown() ([]byte, error) {
	switch {
	case p.FunctionCall != nil:
		return json.Marshal(&struct {
			FunctionCall     *FunctionCall `json:"function_call"`
			ThoughtSignature string        `json:"thought_signature,omitempty"`
		}{p.FunctionCall, p.ThoughtSignature})
	case p.FunctionResponse != nil:
		return json.Marshal(&struct {
			FunctionResponse *FunctionResponse `json:"function_response"`
		}{p.FunctionResponse})
	case p.noText && p.Text == "":
		return []byte("{}"), nil
	default:
		return json.Marshal(&struct {
			Text string `json:"text"`
		}{p.Text})
	}
}

// UnmarshalJSON decodes fc leniently: args that are neither an object nor
// null read as an empty mapping and non-string ids or names read as "".
func (fc *FunctionCall) UnmarshalJSON(data []byte) error {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return apperrors.New(apperrors.ErrCodeInvalidFormat, "function_call must be a JSON object", nil)
	}

	*fc = FunctionCall{
		ID:   stringField(doc, "id"),
		Name: stringField(doc, "name"),
	}
	switch args := doc.Get("args"); {
	case args.IsObject():
		return json.Unmarshal([]byte(args.Raw), &fc.Args)
	case args.Exists() && args.Type != gjson.Null:
		fc.Args = map[string]any{}
	}
	return nil
}

// UnmarshalJSON decodes fr leniently; the response payload is kept as is.
func (fr *FunctionResponse) UnmarshalJSON(data []byte) error {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return apperrors.New(apperrors.ErrCodeInvalidFormat, "function_response must be a JSON object", nil)
	}

	*fr = FunctionResponse{
		ID:   stringField(doc, "id"),
		Name: stringField(doc, "name"),
	}
	if resp := doc.Get("response"); resp.Exists() {
		return json.Unmarshal([]byte(resp.Raw), &fr.Response)
	}
	return nil
}

func stringField(doc gjson.Result, key string) string {
	if v := doc.Get(key); v.Type == gjson.String {
		return v.Str
	}
	return ""
}

// InvocationEvent is one recorded tool call or tool result inside an
// invocation's intermediate trace.
type InvocationEvent struct {
	Author  string   `json:"author"`
	Content *Content `json:"content"`
}

// IntermediateData holds the ordered trace of an invocation. With no events
// it serializes as an empty object.
type IntermediateData struct {
	InvocationEvents []*InvocationEvent `json:"invocation_events,omitempty"`
}

// FinalResponse is the model's answer plus the optional feedback fields that
// the feedback action attaches after the fact.
type FinalResponse struct {
	Content
	UserRating   *int    `json:"_user_rating,omitempty"`
	UserFeedback *string `json:"_user_feedback,omitempty"`
}

// Invocation is one user-turn/agent-turn exchange
type Invocation struct {
	InvocationID      string            `json:"invocation_id"`
	UserContent       *Content          `json:"user_content"`
	FinalResponse     *FinalResponse    `json:"final_response"`
	IntermediateData  *IntermediateData `json:"intermediate_data"`
	CreationTimestamp float64           `json:"creation_timestamp"`
}

// Normalize puts IntermediateData into canonical form: an empty trace
// becomes an empty object. It is idempotent.
func (inv *Invocation) Normalize() {
	if inv.IntermediateData == nil {
		inv.IntermediateData = &IntermediateData{}
		return
	}
	if len(inv.IntermediateData.InvocationEvents) == 0 {
		inv.IntermediateData.InvocationEvents = nil
	}
}

// Events returns the recorded trace, or nil when there is none.
func (inv *Invocation) Events() []*InvocationEvent {
	if inv.IntermediateData == nil {
		return nil
	}
	return inv.IntermediateData.InvocationEvents
}

// FinalText returns the text of the first final-response part, or "".
func (inv *Invocation) FinalText() string {
	if inv.FinalResponse == nil || len(inv.FinalResponse.Parts) == 0 {
		return ""
	}
	return inv.FinalResponse.Parts[0].Text
}

// UserText returns the text of the first user-content part, or "".
func (inv *Invocation) UserText() string {
	if inv.UserContent == nil || len(inv.UserContent.Parts) == 0 {
		return ""
	}
	return inv.UserContent.Parts[0].Text
}
