// Package capture decodes recorded agent runs: the run input followed by the
// protocol events the bridge streamed back.
//
// A capture is either a single JSON object {"input": ..., "events": [...]}
// or a line-oriented stream where each line is a JSON record, optionally
// prefixed by "data:" as in a saved SSE body. A record carrying "threadId"
// but no "type" is the run input; every other record is an event.
package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/session"
)

const maxLineSize = 16 * 1024 * 1024

// Run is one captured agent run.
type Run struct {
	Input  *session.RunInput `json:"input"`
	Events []events.Event    `json:"events"`
}

// UnmarshalJSON decodes the events array element by element; elements that
// are not events are kept as malformed events.
func (run *Run) UnmarshalJSON(data []byte) error {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return apperrors.New(apperrors.ErrCodeInvalidFormat, "run must be a JSON object", nil)
	}

	*run = Run{}
	if in := doc.Get("input"); in.Exists() && in.Type != gjson.Null {
		run.Input = &session.RunInput{}
		if err := json.Unmarshal([]byte(in.Raw), run.Input); err != nil {
			return err
		}
	}
	if evs := doc.Get("events"); evs.IsArray() {
		decoded, err := events.DecodeBatch([]byte(evs.Raw))
		if err != nil {
			return err
		}
		run.Events = decoded
	}
	return nil
}

// Record is one decoded line of a capture stream. Exactly one of Input and
// Event is set; a line that is not an event yields a malformed Event.
type Record struct {
	Line  int
	Input *session.RunInput
	Event *events.Event
}

// Reader decodes a line-oriented capture stream.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next record, or io.EOF at the end of the stream.
// Blank lines, SSE comments and non-data SSE fields are skipped.
func (r *Reader) Next() (*Record, error) {
	for r.scanner.Scan() {
		r.line++
		payload, ok := dataPayload(r.scanner.Bytes())
		if !ok {
			continue
		}
		return decodeRecord(r.line, payload)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileOperation, "failed to read capture", err)
	}
	return nil, io.EOF
}

// dataPayload strips SSE framing from line and reports whether it carries a record.
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	switch {
	case len(line) == 0, line[0] == ':':
		return nil, false
	case bytes.HasPrefix(line, []byte("data:")):
		line = bytes.TrimSpace(line[len("data:"):])
	case bytes.HasPrefix(line, []byte("event:")), bytes.HasPrefix(line, []byte("id:")), bytes.HasPrefix(line, []byte("retry:")):
		return nil, false
	}
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
		return nil, false
	}
	return line, true
}

func decodeRecord(lineNo int, payload []byte) (*Record, error) {
	rec := &Record{Line: lineNo}
	if !gjson.ValidBytes(payload) {
		rec.Event = &events.Event{Malformed: true}
		return rec, nil
	}

	if !gjson.GetBytes(payload, "type").Exists() && gjson.GetBytes(payload, "threadId").Exists() {
		var in session.RunInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, fmt.Sprintf("line %d: invalid run input", lineNo), err)
		}
		rec.Input = &in
		return rec, nil
	}

	ev, err := events.Decode(payload)
	if err != nil {
		ev = events.Event{Malformed: true}
	}
	rec.Event = &ev
	return rec, nil
}

// Read decodes a whole capture. The last run input in a stream wins; when
// none is present the thread and run ids are taken from RUN_STARTED.
func Read(r io.Reader) (*Run, error) {
	br := bufio.NewReader(r)
	if first, err := peekNonSpace(br); err == nil && first == '{' {
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeFileOperation, "failed to read capture", err)
		}
		if doc := gjson.ParseBytes(data); gjson.ValidBytes(data) && doc.Get("events").IsArray() {
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "invalid capture document", err)
			}
			if run.Input == nil {
				run.Input = inputFromEvents(run.Events)
			}
			return &run, nil
		}
		br = bufio.NewReader(bytes.NewReader(data))
	}

	run := &Run{}
	reader := NewReader(br)
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Input != nil {
			run.Input = rec.Input
			continue
		}
		run.Events = append(run.Events, *rec.Event)
	}

	if run.Input == nil {
		run.Input = inputFromEvents(run.Events)
	}
	return run, nil
}

func inputFromEvents(evs []events.Event) *session.RunInput {
	for _, ev := range evs {
		if ev.Type == events.TypeRunStarted && ev.ThreadID != "" {
			return &session.RunInput{ThreadID: ev.ThreadID, RunID: ev.RunID}
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for n := 1; ; n++ {
		buf, err := br.Peek(n)
		if len(buf) < n {
			return 0, err
		}
		c := buf[n-1]
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return c, nil
		}
	}
}
