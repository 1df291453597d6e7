// Package diagnostics records events the recorder drops or ignores so that
// operators and tests can observe them without reading logs.
package diagnostics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Reason names why an event did not change the recorded transcript.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonUnhandledType           Reason = "unhandled_type"
	ReasonMissingEvalMetadata     Reason = "missing_eval_metadata"
	ReasonMissingFunctionCall     Reason = "missing_raw_function_call"
	ReasonMissingFunctionResponse Reason = "missing_raw_function_response"
	ReasonThinkingStartSuppressed Reason = "thinking_start_suppressed"
	ReasonThinkingResult          Reason = "thinking_result"
	ReasonMalformedThinkingArgs   Reason = "malformed_thinking_args"
	ReasonThinkingNoMetadata      Reason = "thinking_without_metadata"
	ReasonEmptyDelta              Reason = "empty_delta"
	ReasonNoOpenInvocation        Reason = "no_open_invocation"
	ReasonNoActiveSession         Reason = "no_active_session"
	ReasonInvocationReplaced      Reason = "invocation_replaced"
	ReasonInvocationDiscarded     Reason = "invocation_discarded"
	ReasonMalformedEvent          Reason = "malformed_event"
	ReasonPersistFailed           Reason = "persist_failed"
)

// Sink receives drop notifications and completion signals.
type Sink interface {
	Dropped(threadID string, reason Reason)
	Observed(kind string)
	InvocationCompleted(threadID string)
}

// Metrics is a Sink backed by prometheus counters.
type Metrics struct {
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	completed   prometheus.Counter
	persistFail prometheus.Counter
}

// NewMetrics creates the recorder counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalrecorder_events_total",
			Help: "Protocol events received, by classified kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalrecorder_events_dropped_total",
			Help: "Events that did not change a transcript, by reason.",
		}, []string{"reason"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalrecorder_invocations_completed_total",
			Help: "Invocations appended to a conversation.",
		}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalrecorder_persist_failures_total",
			Help: "Conversation writes that failed and lost the transcript.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.dropped, m.completed, m.persistFail)
	}
	return m
}

func (m *Metrics) Dropped(_ string, reason Reason) {
	m.dropped.WithLabelValues(string(reason)).Inc()
	if reason == ReasonPersistFailed {
		m.persistFail.Inc()
	}
}

func (m *Metrics) Observed(kind string) {
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) InvocationCompleted(_ string) {
	m.completed.Inc()
}

// Counter is an in-memory Sink keeping per-reason counts.
type Counter struct {
	mu        sync.Mutex
	dropped   map[Reason]int
	completed int
}

// NewCounter creates an empty Counter
func NewCounter() *Counter {
	return &Counter{dropped: make(map[Reason]int)}
}

func (c *Counter) Dropped(_ string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

func (c *Counter) Observed(string) {}

func (c *Counter) InvocationCompleted(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

// Count returns how many drops were recorded for reason.
func (c *Counter) Count(reason Reason) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped[reason]
}

// Total returns the number of drops across all reasons.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.dropped {
		total += n
	}
	return total
}

// Completed returns the number of completed invocations.
func (c *Counter) Completed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Snapshot returns a copy of the per-reason counts.
func (c *Counter) Snapshot() map[Reason]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Reason]int, len(c.dropped))
	for r, n := range c.dropped {
		out[r] = n
	}
	return out
}

// Reasons returns the reasons seen so far in sorted order.
func (c *Counter) Reasons() []Reason {
	snap := c.Snapshot()
	out := make([]Reason, 0, len(snap))
	for r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tee fans notifications out to several sinks.
type Tee []Sink

func (t Tee) Dropped(threadID string, reason Reason) {
	for _, s := range t {
		s.Dropped(threadID, reason)
	}
}

func (t Tee) Observed(kind string) {
	for _, s := range t {
		s.Observed(kind)
	}
}

func (t Tee) InvocationCompleted(threadID string) {
	for _, s := range t {
		s.InvocationCompleted(threadID)
	}
}

// Discard is a Sink that ignores everything.
var Discard Sink = Tee(nil)
