// Package store persists conversations: one JSON array of invocations per
// conversation id.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

// Collection names
const (
	CollectionConversations = "conversations"
	CollectionSaved         = "conversations_saved"
)

const previewLength = 100

// Store defines the interface for conversation persistence
type Store interface {
	Save(ctx context.Context, id string, invocations []*invocation.Invocation) error
	SaveRaw(ctx context.Context, id string, data []byte) error
	Load(ctx context.Context, id string) ([]*invocation.Invocation, error)
	LoadRaw(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*Summary, error)
	Delete(ctx context.Context, id string) error
}

// Summary is the listing entry for one stored conversation
type Summary struct {
	ID              string  `json:"id"`
	Filename        string  `json:"filename"`
	Preview         string  `json:"preview"`
	Timestamp       float64 `json:"timestamp"`
	InvocationCount int     `json:"invocationCount"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID rejects ids that could escape a flat namespace.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "Invalid conversationId format", nil)
	}
	return nil
}

// Filename returns the document name used for id.
func Filename(id string) string {
	return id + ".json"
}

// Encode renders invocations as the pretty-printed conversation document.
func Encode(invocations []*invocation.Invocation) ([]byte, error) {
	if invocations == nil {
		invocations = []*invocation.Invocation{}
	}
	return encodeJSON(invocations)
}

// Decode parses a conversation document.
func Decode(data []byte) ([]*invocation.Invocation, error) {
	var invocations []*invocation.Invocation
	if err := json.Unmarshal(data, &invocations); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "Invalid conversation format", err)
	}
	return invocations, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversion, "failed to encode conversation", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("Conversation not found: %s", id), nil)
}

// summarize builds a listing entry from a raw document.
func summarize(id string, data []byte, modTime time.Time) (*Summary, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, fmt.Sprintf("invalid JSON in %s", Filename(id)), nil)
	}

	doc := gjson.ParseBytes(data)
	summary := &Summary{
		ID:        id,
		Filename:  Filename(id),
		Preview:   "No messages",
		Timestamp: float64(modTime.UnixMilli()) / 1000,
	}
	if !doc.IsArray() {
		return summary, nil
	}

	summary.InvocationCount = len(doc.Array())
	if summary.InvocationCount == 0 {
		return summary, nil
	}

	first := doc.Get("0")
	if first.Get("user_content").Exists() {
		summary.Preview = truncate(first.Get("user_content.parts.0.text").String(), previewLength)
	}
	if ts := first.Get("creation_timestamp"); ts.Type == gjson.Number {
		summary.Timestamp = ts.Num
	}
	return summary, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// sortNewestFirst orders summaries by descending timestamp.
func sortNewestFirst(summaries []*Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Timestamp > summaries[j].Timestamp
	})
}
