package invocation

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh invocation id of the form "e-<uuid>".
func NewID() string {
	return "e-" + uuid.NewString()
}

// Timestamp converts t to floating point UNIX seconds with millisecond precision.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// Builder accumulates one in-progress invocation. It is owned by a single
// session recorder and is not safe for concurrent use.
type Builder struct {
	inv *Invocation
}

// NewBuilder opens a new invocation for userMessage.
func NewBuilder(userMessage, id string, now time.Time) *Builder {
	return &Builder{
		inv: &Invocation{
			InvocationID: id,
			UserContent: &Content{
				Parts: []*Part{NewTextPart(userMessage)},
				Role:  RoleUser,
			},
			FinalResponse: &FinalResponse{
				Content: Content{
					Parts: []*Part{},
					Role:  RoleModel,
				},
			},
			IntermediateData:  &IntermediateData{InvocationEvents: []*InvocationEvent{}},
			CreationTimestamp: Timestamp(now),
		},
	}
}

// ID returns the id of the invocation being built.
func (b *Builder) ID() string {
	return b.inv.InvocationID
}

// AppendToolCall records a function call. Empty author and role default to
// "unknown" and "model".
func (b *Builder) AppendToolCall(author, role string, call *FunctionCall) {
	b.AppendEvent(author, orDefault(role, RoleModel), &Part{
		FunctionCall: &FunctionCall{
			ID:   call.ID,
			Args: call.Args,
			Name: call.Name,
		},
	})
}

// AppendToolResult records a function response. Empty author and role
// default to "unknown" and "user".
func (b *Builder) AppendToolResult(author, role string, resp *FunctionResponse) {
	b.AppendEvent(author, orDefault(role, RoleUser), &Part{
		FunctionResponse: &FunctionResponse{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: resp.Response,
		},
	})
}

// AppendEvent appends a single-part event to the intermediate trace.
func (b *Builder) AppendEvent(author, role string, part *Part) {
	b.inv.IntermediateData.InvocationEvents = append(b.inv.IntermediateData.InvocationEvents, &InvocationEvent{
		Author: orDefault(author, DefaultAuthor),
		Content: &Content{
			Parts: []*Part{part},
			Role:  role,
		},
	})
}

// AppendThinking appends a reconstructed thinking step as-is.
func (b *Builder) AppendThinking(event *InvocationEvent) {
	b.inv.IntermediateData.InvocationEvents = append(b.inv.IntermediateData.InvocationEvents, event)
}

// AppendText appends a streamed text delta to the final response. Deltas are
// assumed to arrive in emission order.
func (b *Builder) AppendText(delta string) {
	parts := b.inv.FinalResponse.Parts
	if len(parts) == 0 {
		b.inv.FinalResponse.Parts = append(parts, NewTextPart(delta))
		return
	}
	parts[len(parts)-1].Text += delta
}

// EventCount returns the number of recorded intermediate events.
func (b *Builder) EventCount() int {
	return len(b.inv.IntermediateData.InvocationEvents)
}

// Finalize returns the normalized invocation. It reports false when the
// invocation has no user content and must be discarded.
func (b *Builder) Finalize() (*Invocation, bool) {
	if b.inv.UserContent == nil || len(b.inv.UserContent.Parts) == 0 {
		return nil, false
	}
	b.inv.Normalize()
	return b.inv, true
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
