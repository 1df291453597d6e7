// Package session records one conversation per thread: it opens and closes
// invocations, routes classified protocol events into them and persists the
// finished conversation.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/thinking"
)

// Recorder is the per-conversation state machine. All methods are safe for
// concurrent use; events of one thread are still expected in emission order.
type Recorder struct {
	mu sync.Mutex

	conversationID string
	runID          string
	invocations    []*invocation.Invocation
	builder        *invocation.Builder
	buffer         *events.RingBuffer

	// last persisted conversation size and outcome
	lastSaved   int
	lastSaveErr error

	store      store.Store
	classifier *events.Classifier
	counter    *diagnostics.Counter
	diag       diagnostics.Sink
	log        logr.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures a Recorder
type Option func(*Recorder)

// WithSink forwards drop notifications to sink in addition to the
// recorder's own counters.
func WithSink(sink diagnostics.Sink) Option {
	return func(r *Recorder) {
		if sink != nil {
			r.diag = diagnostics.Tee{r.counter, sink}
		}
	}
}

// WithClassifier sets the event classifier.
func WithClassifier(c *events.Classifier) Option {
	return func(r *Recorder) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithBufferSize sets the capacity of the diagnostic ring buffer.
func WithBufferSize(size int) Option {
	return func(r *Recorder) {
		r.buffer = events.NewRingBuffer(size)
	}
}

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator overrides how invocation ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(r *Recorder) { r.newID = newID }
}

// WithLogger sets the base logger.
func WithLogger(log logr.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// NewRecorder creates a Recorder persisting to st
func NewRecorder(st store.Store, opts ...Option) *Recorder {
	counter := diagnostics.NewCounter()
	r := &Recorder{
		buffer:     events.NewRingBuffer(events.DefaultBufferSize),
		store:      st,
		classifier: events.NewClassifier(),
		counter:    counter,
		diag:       counter,
		log:        ctrllog.Log.WithName("recorder"),
		now:        time.Now,
		newID:      invocation.NewID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartSession opens a conversation identified by threadID. Any previous
// in-memory state is replaced, not merged.
func (r *Recorder) StartSession(threadID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversationID = threadID
	r.runID = runID
	r.invocations = nil
	r.builder = nil
	r.buffer.Reset()
	r.log.V(1).Info("Session started", "threadId", threadID, "runId", runID)
}

// StartInvocation opens a new invocation for userMessage and returns its id.
// An invocation that is still open is discarded.
func (r *Recorder) StartInvocation(userMessage, messageID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conversationID == "" {
		return "", apperrors.ErrNoActiveSession
	}
	if r.builder != nil {
		r.drop(r.log, diagnostics.ReasonInvocationReplaced, "invocationId", r.builder.ID())
	}

	r.builder = invocation.NewBuilder(userMessage, r.newID(), r.now())
	r.log.V(1).Info("Invocation started", "threadId", r.conversationID,
		"invocationId", r.builder.ID(), "messageId", messageID)
	return r.builder.ID(), nil
}

// Handle classifies ev and applies it to the open invocation. It never
// fails; events that change nothing are reported to the diagnostics sink.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) events.Classification {
	c := r.classifier.Classify(ev)
	r.diag.Observed(string(c.Kind))

	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.logger(ctx)
	log.V(1).Info("Event received", "type", ev.Type, "kind", c.Kind, "toolCallId", ev.ToolCallID)

	if c.Buffer {
		r.buffer.Push(ev)
	}

	switch c.Kind {
	case events.KindIgnored:
		if c.Reason != diagnostics.ReasonNone {
			r.drop(log, c.Reason, "type", ev.Type)
		}
	case events.KindToolCall:
		r.recordToolCall(log, ev)
	case events.KindToolResult:
		r.recordToolResult(log, ev)
	case events.KindThinking:
		r.recordThinking(log, ev)
	case events.KindTextDelta:
		if r.requireInvocation(log, ev) {
			r.builder.AppendText(ev.Delta)
		}
	case events.KindRunFinished:
		if r.conversationID == "" {
			r.drop(log, diagnostics.ReasonNoActiveSession, "type", ev.Type)
			break
		}
		threadID := r.conversationID
		if err := r.saveLocked(ctx); err != nil {
			log.Error(err, "Failed to persist conversation")
			r.dropFor(log, threadID, diagnostics.ReasonPersistFailed)
		}
	}
	return c
}

func (r *Recorder) recordToolCall(log logr.Logger, ev events.Event) {
	if !r.requireInvocation(log, ev) {
		return
	}
	meta := ev.EvalMetadata
	if meta.RawFunctionCall == nil {
		r.drop(log, diagnostics.ReasonMissingFunctionCall, "toolCallId", ev.ToolCallID)
		return
	}
	r.builder.AppendToolCall(meta.Author, meta.Role, meta.RawFunctionCall)
}

func (r *Recorder) recordToolResult(log logr.Logger, ev events.Event) {
	if !r.requireInvocation(log, ev) {
		return
	}
	meta := ev.EvalMetadata
	if meta.RawFunctionResponse == nil {
		r.drop(log, diagnostics.ReasonMissingFunctionResponse, "toolCallId", ev.ToolCallID)
		return
	}
	r.builder.AppendToolResult(meta.Author, meta.Role, meta.RawFunctionResponse)
}

func (r *Recorder) recordThinking(log logr.Logger, ev events.Event) {
	if !r.requireInvocation(log, ev) {
		return
	}
	step, reason := thinking.Extract(ev)
	if reason != diagnostics.ReasonNone {
		r.drop(log, reason, "toolCallId", ev.ToolCallID)
		return
	}
	r.builder.AppendThinking(step)
}

// requireInvocation reports a drop and returns false when no invocation is open.
func (r *Recorder) requireInvocation(log logr.Logger, ev events.Event) bool {
	switch {
	case r.conversationID == "":
		r.drop(log, diagnostics.ReasonNoActiveSession, "type", ev.Type)
		return false
	case r.builder == nil:
		r.drop(log, diagnostics.ReasonNoOpenInvocation, "type", ev.Type)
		return false
	}
	return true
}

// CompleteInvocation closes the open invocation and appends it to the
// conversation. It reports false when nothing was appended.
func (r *Recorder) CompleteInvocation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeLocked()
}

func (r *Recorder) completeLocked() bool {
	if r.builder == nil {
		return false
	}
	b := r.builder
	r.builder = nil
	r.buffer.Reset()

	inv, ok := b.Finalize()
	if !ok {
		r.drop(r.log, diagnostics.ReasonInvocationDiscarded, "invocationId", b.ID())
		return false
	}
	r.invocations = append(r.invocations, inv)
	r.diag.InvocationCompleted(r.conversationID)
	r.log.V(1).Info("Invocation completed", "threadId", r.conversationID,
		"invocationId", inv.InvocationID, "events", len(inv.Events()))
	return true
}

// SaveSession completes any open invocation, writes the conversation and
// clears the session whether or not the write succeeded.
func (r *Recorder) SaveSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

func (r *Recorder) saveLocked(ctx context.Context) error {
	if r.conversationID == "" {
		return apperrors.ErrNoActiveSession
	}
	log := r.logger(ctx)
	r.completeLocked()

	id, invocations := r.conversationID, r.invocations
	r.conversationID = ""
	r.runID = ""
	r.invocations = nil
	r.buffer.Reset()

	r.lastSaved = 0
	r.lastSaveErr = nil
	if err := r.store.Save(ctx, id, invocations); err != nil {
		r.lastSaveErr = apperrors.New(apperrors.ErrCodeSessionSave, "failed to save conversation "+id, err)
		return r.lastSaveErr
	}
	r.lastSaved = len(invocations)
	log.Info("Conversation saved", "invocations", len(invocations))
	return nil
}

// LastSave returns the number of invocations written by the most recent
// save and its error.
func (r *Recorder) LastSave() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSaved, r.lastSaveErr
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.conversationID == "":
		return StateNoSession
	case r.builder != nil:
		return StateInvocationOpen
	default:
		return StateSessionOpen
	}
}

// ConversationID returns the open conversation's id, or "".
func (r *Recorder) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// Invocations returns the completed invocations of the open conversation.
func (r *Recorder) Invocations() []*invocation.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*invocation.Invocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

// Dropped returns the per-reason drop counts of this recorder.
func (r *Recorder) Dropped() map[diagnostics.Reason]int {
	return r.counter.Snapshot()
}

// Buffered returns the retained TOOL_CALL_ARGS events, oldest first.
func (r *Recorder) Buffered() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.Snapshot()
}

// logger prefers the request-scoped logger carried by ctx.
func (r *Recorder) logger(ctx context.Context) logr.Logger {
	log := r.log
	if l, err := logr.FromContext(ctx); err == nil {
		log = l
	}
	return log.WithValues("threadId", r.conversationID)
}

func (r *Recorder) drop(log logr.Logger, reason diagnostics.Reason, keysAndValues ...any) {
	r.dropFor(log, r.conversationID, reason, keysAndValues...)
}

// dropFor reports a drop against threadID, which saveLocked may already
// have cleared from the recorder.
func (r *Recorder) dropFor(log logr.Logger, threadID string, reason diagnostics.Reason, keysAndValues ...any) {
	r.diag.Dropped(threadID, reason)
	log.V(1).Info("Event dropped", append([]any{"reason", reason}, keysAndValues...)...)
}
