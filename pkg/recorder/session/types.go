package session

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
)

// State is the recorder's position in the session lifecycle
type State string

const (
	StateNoSession      State = "no_session"
	StateSessionOpen    State = "session_open"
	StateInvocationOpen State = "invocation_open"
)

// RunInput is the request that started an agent run: the thread identity
// plus the chat history the user submitted.
type RunInput struct {
	ThreadID string    `json:"threadId"`
	RunID    string    `json:"runId"`
	Messages []Message `json:"messages,omitempty"`
}

// Message is one chat message of a run input. Content is either a string or
// a list of typed content blocks.
type Message struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Text returns the message's text, joining text blocks when content is a list.
func (m Message) Text() string {
	content := gjson.ParseBytes(m.Content)
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var sb strings.Builder
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// LastUserMessage returns the most recent user message of the run.
func (in *RunInput) LastUserMessage() (Message, bool) {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			return in.Messages[i], true
		}
	}
	return Message{}, false
}

// ReplayResult reports what a replayed run produced.
type ReplayResult struct {
	ThreadID     string                     `json:"threadId"`
	InvocationID string                     `json:"invocationId,omitempty"`
	Events       int                        `json:"events"`
	Saved        int                        `json:"saved"`
	Finished     bool                       `json:"finished"`
	Dropped      map[diagnostics.Reason]int `json:"dropped,omitempty"`
}
