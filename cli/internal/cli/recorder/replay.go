package recorder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/evalrecorder/pkg/recorder"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/capture"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/client"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/session"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
)

// ReplayConfig holds configuration for the replay command
type ReplayConfig struct {
	Promote bool
	Remote  string
	Token   string
}

// replayTarget records runs either in-process or through a remote API.
type replayTarget interface {
	Replay(ctx context.Context, in *session.RunInput, evs []events.Event) (*session.ReplayResult, error)
	Promote(ctx context.Context, conversationID string) (string, error)
}

type localTarget struct {
	app *recorder.App
}

func (l localTarget) Replay(ctx context.Context, in *session.RunInput, evs []events.Event) (*session.ReplayResult, error) {
	return l.app.Sessions.Replay(ctx, in, evs)
}

func (l localTarget) Promote(ctx context.Context, conversationID string) (string, error) {
	return store.Promote(ctx, l.app.Stores.Live, l.app.Stores.Saved, conversationID)
}

// NewReplayCmd creates the replay command
func NewReplayCmd(root *RootConfig) *cobra.Command {
	cfg := &ReplayConfig{}

	cmd := &cobra.Command{
		Use:   "replay <capture-file>...",
		Short: "Record captured runs from files",
		Long: `Replay captured agent runs through the recorder and store the resulting
conversations.

A capture is either a JSON document {"input": {...}, "events": [...]} or a
stream with one JSON record per line. Lines may carry the "data:" prefix of a
saved SSE body. A record with a threadId and no type is the run input.

Examples:
  evalrecorder replay run.sse
  evalrecorder replay --promote captures/*.jsonl
  evalrecorder replay --remote http://recorder:8090 run.sse`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Remote != "" {
				token := cfg.Token
				remote := client.New(cfg.Remote, client.WithToken(func() string { return token }))
				return runReplay(cmd, remote, cfg, args)
			}
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()
			return runReplay(cmd, localTarget{app: app}, cfg, args)
		},
	}

	cmd.Flags().BoolVar(&cfg.Promote, "promote", false, "Also copy each recorded conversation into the saved collection")
	cmd.Flags().StringVar(&cfg.Remote, "remote", "", "Base URL of a running recorder API to replay into")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "Bearer token for the remote recorder API")

	return cmd
}

func runReplay(cmd *cobra.Command, target replayTarget, cfg *ReplayConfig, files []string) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"File", "Thread", "Events", "Saved", "Finished", "Dropped"})

	var result *multierror.Error
	for _, file := range files {
		res, err := replayFile(ctx, target, file)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "✗ %s: %v\n", file, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", file, err))
			continue
		}
		t.AppendRow(table.Row{file, res.ThreadID, res.Events, res.Saved, res.Finished, formatDropped(res.Dropped)})

		if cfg.Promote {
			savedAs, err := target.Promote(ctx, res.ThreadID)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", file, err))
				continue
			}
			color.New(color.FgGreen).Fprintf(out, "✓ %s saved as %s\n", res.ThreadID, savedAs)
		}
	}

	if t.Length() > 0 {
		t.Render()
	}
	return result.ErrorOrNil()
}

func replayFile(ctx context.Context, target replayTarget, path string) (*session.ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	run, err := capture.Read(f)
	if err != nil {
		return nil, err
	}
	return target.Replay(ctx, run.Input, run.Events)
}

func formatDropped(dropped map[diagnostics.Reason]int) string {
	if len(dropped) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(dropped))
	for reason, n := range dropped {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
