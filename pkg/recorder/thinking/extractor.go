// Package thinking rebuilds thinking steps that the bridge transports as
// disguised tool-call argument payloads.
package thinking

import (
	"github.com/tidwall/gjson"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

// FunctionName is the name of the synthetic function call recorded for a thinking step.
const FunctionName = "thinking"

// counters copied from the payload into the synthetic call's args
var counters = []string{"thoughtsTokenCount", "totalTokenCount"}

// Extract decodes the JSON carried in ev.Delta. It returns the recorded
// event, or nil and the reason the payload was dropped.
func Extract(ev events.Event) (*invocation.InvocationEvent, diagnostics.Reason) {
	if !gjson.Valid(ev.Delta) {
		return nil, diagnostics.ReasonMalformedThinkingArgs
	}

	payload := gjson.Parse(ev.Delta)
	if !payload.IsObject() {
		return nil, diagnostics.ReasonThinkingNoMetadata
	}

	meta := payload.Get("_eval_metadata")
	if !truthy(meta) {
		return nil, diagnostics.ReasonThinkingNoMetadata
	}

	args := make(map[string]any, len(counters))
	for _, key := range counters {
		if v := payload.Get(key); v.Exists() {
			args[key] = v.Value()
		}
	}

	part := &invocation.Part{
		FunctionCall: &invocation.FunctionCall{
			ID:   ev.ToolCallID,
			Args: args,
			Name: FunctionName,
		},
	}
	if sig := meta.Get("thought_signature"); sig.Type == gjson.String && sig.Str != "" {
		part.ThoughtSignature = sig.Str
	}

	author := invocation.DefaultAuthor
	if a := meta.Get("author"); a.Type == gjson.String && a.Str != "" {
		author = a.Str
	}

	return &invocation.InvocationEvent{
		Author: author,
		Content: &invocation.Content{
			Parts: []*invocation.Part{part},
			Role:  invocation.RoleModel,
		},
	}, diagnostics.ReasonNone
}

// truthy mirrors the loose presence check the bridge contract relies on:
// null, false, 0 and "" count as absent.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
