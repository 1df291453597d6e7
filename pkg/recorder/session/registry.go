package session

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
)

// Registry tracks one Recorder per open thread. Sessions of different
// threads never share state.
type Registry struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
	factory   func() *Recorder
	log       logr.Logger
}

// NewRegistry creates a Registry that builds recorders with factory.
func NewRegistry(factory func() *Recorder) *Registry {
	return &Registry{
		recorders: make(map[string]*Recorder),
		factory:   factory,
		log:       ctrllog.Log.WithName("session-registry"),
	}
}

// Open starts a session for threadID, replacing any open one.
func (g *Registry) Open(threadID, runID string) *Recorder {
	rec := g.factory()
	rec.StartSession(threadID, runID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.recorders[threadID]; ok {
		g.log.Info("Replacing open session", "threadId", threadID)
	}
	g.recorders[threadID] = rec
	return rec
}

func (g *Registry) Get(threadID string) (*Recorder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recorders[threadID]
	return rec, ok
}

// Threads returns the ids of all open sessions, sorted.
func (g *Registry) Threads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.recorders))
	for id := range g.recorders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Registry) StartInvocation(threadID, userMessage, messageID string) (string, error) {
	rec, ok := g.Get(threadID)
	if !ok {
		return "", apperrors.ErrNoActiveSession
	}
	return rec.StartInvocation(userMessage, messageID)
}

// Handle routes ev to the thread's recorder. A RUN_FINISHED event persists
// the conversation and closes the session.
func (g *Registry) Handle(ctx context.Context, threadID string, ev events.Event) error {
	rec, ok := g.Get(threadID)
	if !ok {
		return apperrors.ErrNoActiveSession
	}
	if c := rec.Handle(ctx, ev); c.Kind == events.KindRunFinished {
		g.remove(threadID, rec)
	}
	return nil
}

// Save persists and closes the thread's session.
func (g *Registry) Save(ctx context.Context, threadID string) error {
	rec, ok := g.Get(threadID)
	if !ok {
		return apperrors.ErrNoActiveSession
	}
	defer g.remove(threadID, rec)
	return rec.SaveSession(ctx)
}

// Close drops the thread's session without saving it.
func (g *Registry) Close(threadID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.recorders[threadID]
	delete(g.recorders, threadID)
	return ok
}

// remove deletes rec unless the thread has been reopened meanwhile.
func (g *Registry) remove(threadID string, rec *Recorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recorders[threadID] == rec {
		delete(g.recorders, threadID)
	}
}

// Replay records a complete run: it opens the session from in, starts the
// invocation from the last user message and routes evs in order. A run
// without RUN_FINISHED is saved once the events are exhausted.
func (g *Registry) Replay(ctx context.Context, in *RunInput, evs []events.Event) (*ReplayResult, error) {
	if in == nil || in.ThreadID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "run input requires a threadId", nil)
	}
	log := ctrllog.FromContext(ctx).WithValues("threadId", in.ThreadID, "runId", in.RunID)

	rec := g.Open(in.ThreadID, in.RunID)
	result := &ReplayResult{ThreadID: in.ThreadID}

	if msg, ok := in.LastUserMessage(); ok {
		id, err := rec.StartInvocation(msg.Text(), msg.ID)
		if err != nil {
			return nil, err
		}
		result.InvocationID = id
	} else {
		log.Info("Run input has no user message")
	}

	for _, ev := range evs {
		result.Events++
		if c := rec.Handle(ctx, ev); c.Kind == events.KindRunFinished {
			result.Finished = true
			break
		}
	}

	if !result.Finished {
		log.V(1).Info("Run ended without RUN_FINISHED, saving")
		_ = rec.SaveSession(ctx)
	}
	g.remove(in.ThreadID, rec)

	saved, err := rec.LastSave()
	result.Saved = saved
	result.Dropped = rec.Dropped()
	return result, err
}
