package events

import (
	"strings"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
)

// Reserved markers the bridge uses to disguise thinking steps as tool calls
const (
	DefaultThinkingToolName = "thinking_step"
	DefaultThinkingIDMarker = "thinking"
)

// Kind is the semantic category assigned to an event once, at ingestion.
type Kind string

const (
	KindIgnored     Kind = "ignored"
	KindToolCall    Kind = "tool_call"
	KindToolResult  Kind = "tool_result"
	KindThinking    Kind = "thinking"
	KindTextDelta   Kind = "text_delta"
	KindRunFinished Kind = "run_finished"
)

// Classification is the routing decision for one event.
type Classification struct {
	Kind Kind
	// Buffer marks events kept in the diagnostic ring buffer.
	Buffer bool
	// Reason explains a KindIgnored decision.
	Reason diagnostics.Reason
}

// Classifier decides how each protocol event is routed.
type Classifier struct {
	thinkingToolName string
	thinkingIDMarker string
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithThinkingToolName overrides the reserved tool name of thinking steps.
func WithThinkingToolName(name string) ClassifierOption {
	return func(c *Classifier) {
		if name != "" {
			c.thinkingToolName = name
		}
	}
}

// WithThinkingIDMarker overrides the tool-call id substring of thinking steps.
func WithThinkingIDMarker(marker string) ClassifierOption {
	return func(c *Classifier) {
		if marker != "" {
			c.thinkingIDMarker = marker
		}
	}
}

// NewClassifier creates a Classifier
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		thinkingToolName: DefaultThinkingToolName,
		thinkingIDMarker: DefaultThinkingIDMarker,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify assigns a Kind to ev. It never fails; unknown types are ignored.
func (c *Classifier) Classify(ev Event) Classification {
	if ev.Malformed {
		return ignored(diagnostics.ReasonMalformedEvent)
	}
	switch ev.Type {
	case TypeToolCallStart:
		if ev.EvalMetadata == nil {
			return ignored(diagnostics.ReasonMissingEvalMetadata)
		}
		if ev.ToolCallName == c.thinkingToolName {
			// Reconstructed from the ARGS event instead.
			return ignored(diagnostics.ReasonThinkingStartSuppressed)
		}
		return Classification{Kind: KindToolCall}

	case TypeToolCallArgs:
		if c.isThinkingID(ev.ToolCallID) {
			return Classification{Kind: KindThinking, Buffer: true}
		}
		return Classification{Kind: KindIgnored, Buffer: true}

	case TypeToolCallResult:
		if ev.EvalMetadata == nil {
			return ignored(diagnostics.ReasonMissingEvalMetadata)
		}
		if c.isThinkingID(ev.ToolCallID) {
			return ignored(diagnostics.ReasonThinkingResult)
		}
		return Classification{Kind: KindToolResult}

	case TypeTextMessageContent:
		if ev.Delta == "" {
			return ignored(diagnostics.ReasonEmptyDelta)
		}
		return Classification{Kind: KindTextDelta}

	case TypeRunFinished:
		return Classification{Kind: KindRunFinished}

	default:
		return ignored(diagnostics.ReasonUnhandledType)
	}
}

func (c *Classifier) isThinkingID(id string) bool {
	return strings.Contains(id, c.thinkingIDMarker)
}

func ignored(reason diagnostics.Reason) Classification {
	return Classification{Kind: KindIgnored, Reason: reason}
}
