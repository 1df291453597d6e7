// Package evalset converts recorded conversations into evaluation-harness
// documents and back into a simplified review view.
package evalset

import (
	"time"

	"dario.cat/mergo"
	"k8s.io/apimachinery/pkg/util/rand"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

// Defaults for the session input of exported cases
const (
	DefaultAppName = "agent_ui"
	DefaultUserID  = "user"
)

const evalSetIDLength = 8

// SessionInput identifies the agent app and user an eval case replays as.
type SessionInput struct {
	AppName string `json:"app_name"`
	UserID  string `json:"user_id"`
}

// EvalCase is one conversation in evaluation form.
type EvalCase struct {
	EvalID            string                   `json:"eval_id"`
	Conversation      []*invocation.Invocation `json:"conversation"`
	SessionInput      SessionInput             `json:"session_input"`
	CreationTimestamp float64                  `json:"creation_timestamp"`
}

// EvalSet groups eval cases under a random id.
type EvalSet struct {
	EvalSetID         string      `json:"eval_set_id"`
	Name              string      `json:"name"`
	EvalCases         []*EvalCase `json:"eval_cases"`
	CreationTimestamp float64     `json:"creation_timestamp"`
}

// Options tune an export. Zero fields take the defaults.
type Options struct {
	AppName   string  `json:"app_name,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (o Options) withDefaults() (Options, error) {
	defaults := Options{
		AppName:   DefaultAppName,
		UserID:    DefaultUserID,
		Timestamp: invocation.Timestamp(time.Now()),
	}
	if err := mergo.Merge(&o, defaults); err != nil {
		return o, apperrors.New(apperrors.ErrCodeConversion, "failed to apply export defaults", err)
	}
	return o, nil
}

// ToEvalCase wraps a conversation as an eval case. The invocations are
// copied and canonicalized; the input is not modified.
func ToEvalCase(conversationID string, invocations []*invocation.Invocation, opts Options) (*EvalCase, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	conversation := make([]*invocation.Invocation, 0, len(invocations))
	for _, inv := range invocations {
		if inv == nil {
			continue
		}
		conversation = append(conversation, canonical(inv))
	}

	return &EvalCase{
		EvalID:       conversationID,
		Conversation: conversation,
		SessionInput: SessionInput{
			AppName: opts.AppName,
			UserID:  opts.UserID,
		},
		CreationTimestamp: opts.Timestamp,
	}, nil
}

// ToEvalSet wraps one or more cases in an eval set with a fresh id.
func ToEvalSet(opts Options, cases ...*EvalCase) (*EvalSet, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if cases == nil {
		cases = []*EvalCase{}
	}

	id := rand.String(evalSetIDLength)
	return &EvalSet{
		EvalSetID:         id,
		Name:              id,
		EvalCases:         cases,
		CreationTimestamp: opts.Timestamp,
	}, nil
}

// Export converts a single conversation into a one-case eval set.
func Export(conversationID string, invocations []*invocation.Invocation, opts Options) (*EvalSet, error) {
	evalCase, err := ToEvalCase(conversationID, invocations, opts)
	if err != nil {
		return nil, err
	}
	return ToEvalSet(opts, evalCase)
}

func canonical(inv *invocation.Invocation) *invocation.Invocation {
	out := *inv
	if inv.IntermediateData != nil {
		data := *inv.IntermediateData
		out.IntermediateData = &data
	}
	out.Normalize()
	return &out
}
