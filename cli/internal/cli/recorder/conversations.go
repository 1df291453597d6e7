package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/evalrecorder/pkg/recorder"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/evalset"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
)

// ListConfig holds configuration for the list command
type ListConfig struct {
	Live   bool
	Output string
}

// NewListCmd creates the list command
func NewListCmd(root *RootConfig) *cobra.Command {
	cfg := &ListConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded or saved conversations",
		Long: `List conversations, newest first. Saved conversations are listed by
default; use --live for the recordings written by the recorder.

Examples:
  evalrecorder list
  evalrecorder list --live -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()
			return runList(cmd, app, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.Live, "live", false, "List recorded conversations instead of saved ones")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "table", "Output format: table or json")

	return cmd
}

func runList(cmd *cobra.Command, app *recorder.App, cfg *ListConfig) error {
	st := app.Stores.Saved
	if cfg.Live {
		st = app.Stores.Live
	}
	summaries, err := st.List(commandContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch cfg.Output {
	case "json":
		return writeIndented(out, map[string]any{"conversations": summaries})
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", cfg.Output)
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No conversations found")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "Invocations", "Created", "Preview"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Invocations", Align: text.AlignRight},
		{Name: "Preview", WidthMax: 60},
	})
	for _, s := range summaries {
		created := time.UnixMilli(int64(s.Timestamp * 1000)).UTC().Format(time.RFC3339)
		t.AppendRow(table.Row{s.ID, s.InvocationCount, created, s.Preview})
	}
	t.Render()
	return nil
}

// NewPromoteCmd creates the promote command
func NewPromoteCmd(root *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <conversation-id>",
		Short: "Copy a recorded conversation into the saved collection",
		Long: `Copy a recorded conversation into the saved collection. An existing
saved conversation is never overwritten; the copy is stored as
<id>_copy<N> with the first free N instead.

Examples:
  evalrecorder promote thread-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.ValidateID(args[0]); err != nil {
				return err
			}
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()

			savedAs, err := store.Promote(commandContext(cmd), app.Stores.Live, app.Stores.Saved, args[0])
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Saved %s as %s\n", args[0], savedAs)
			return nil
		},
	}
}

// ExportConfig holds configuration for the export command
type ExportConfig struct {
	Output  string
	AppName string
	UserID  string
}

// NewExportCmd creates the export command
func NewExportCmd(root *RootConfig) *cobra.Command {
	cfg := &ExportConfig{}

	cmd := &cobra.Command{
		Use:   "export <conversation-id>...",
		Short: "Export saved conversations as an eval set",
		Long: `Export one or more saved conversations as a single eval set, one eval
case per conversation.

Examples:
  evalrecorder export thread-1
  evalrecorder export thread-1 thread-2 -o regression.evalset.json --app-name my_agent`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()
			return runExport(cmd, app, cfg, args)
		},
	}

	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&cfg.AppName, "app-name", "", "Session app name (overrides export.app_name)")
	cmd.Flags().StringVar(&cfg.UserID, "user-id", "", "Session user id (overrides export.user_id)")

	return cmd
}

func runExport(cmd *cobra.Command, app *recorder.App, cfg *ExportConfig, ids []string) error {
	ctx := commandContext(cmd)

	opts := app.ExportOptions()
	if cfg.AppName != "" {
		opts.AppName = cfg.AppName
	}
	if cfg.UserID != "" {
		opts.UserID = cfg.UserID
	}

	cases := make([]*evalset.EvalCase, 0, len(ids))
	for _, id := range ids {
		if err := store.ValidateID(id); err != nil {
			return err
		}
		invocations, err := app.Stores.Saved.Load(ctx, id)
		if err != nil {
			return err
		}
		evalCase, err := evalset.ToEvalCase(id, invocations, opts)
		if err != nil {
			return err
		}
		cases = append(cases, evalCase)
	}

	set, err := evalset.ToEvalSet(opts, cases...)
	if err != nil {
		return err
	}

	if cfg.Output == "" {
		return writeIndented(cmd.OutOrStdout(), set)
	}
	f, err := os.Create(cfg.Output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := writeIndented(f, set); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "✓ Wrote eval set %s (%d cases) to %s\n", set.EvalSetID, len(set.EvalCases), cfg.Output)
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
