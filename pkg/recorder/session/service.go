package session

import (
	"context"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
)

// Service defines the interface for live session recording
type Service interface {
	Open(threadID, runID string) *Recorder
	Get(threadID string) (*Recorder, bool)
	StartInvocation(threadID, userMessage, messageID string) (string, error)
	Handle(ctx context.Context, threadID string, ev events.Event) error
	Save(ctx context.Context, threadID string) error
	Close(threadID string) bool
	Replay(ctx context.Context, in *RunInput, evs []events.Event) (*ReplayResult, error)
}

var _ Service = (*Registry)(nil)
