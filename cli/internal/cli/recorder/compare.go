package recorder

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/evalset"
)

// CompareConfig holds configuration for the compare command
type CompareConfig struct {
	Path   string
	Strict bool
}

// NewCompareCmd creates the compare command
func NewCompareCmd() *cobra.Command {
	cfg := &CompareConfig{}

	cmd := &cobra.Command{
		Use:   "compare <reference-file> <compare-file>",
		Short: "Compare the structure of two JSON documents",
		Long: `Compare the structure of a document against a reference: type
mismatches, missing and extra keys, and array length differences. Arrays are
compared through their first element.

Use --path to compare a sub-document selected with a gjson path, for example
the first invocation of an eval set.

Examples:
  evalrecorder compare reference.evalset.json exported.evalset.json
  evalrecorder compare ref.json cmp.json --path eval_cases.0.conversation.0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, cfg, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&cfg.Path, "path", "", "gjson path of the sub-document to compare")
	cmd.Flags().BoolVar(&cfg.Strict, "strict", false, "Exit with an error when differences are found")

	return cmd
}

func runCompare(cmd *cobra.Command, cfg *CompareConfig, referencePath, comparePath string) error {
	reference, err := readDocument(referencePath, cfg.Path)
	if err != nil {
		return err
	}
	compare, err := readDocument(comparePath, cfg.Path)
	if err != nil {
		return err
	}

	issues, err := evalset.CompareJSON(reference, compare)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "SUMMARY: %d ISSUE(S) FOUND\n", len(issues))
	fmt.Fprintln(out, rule)

	if len(issues) == 0 {
		color.New(color.FgGreen).Fprintln(out, "✓ Structures match")
		return nil
	}

	for i, issue := range issues {
		c := color.New(color.FgYellow)
		if issue.Kind == evalset.IssueMissing || issue.Kind == evalset.IssueTypeMismatch {
			c = color.New(color.FgRed)
		}
		c.Fprintf(out, "  %d. %s\n", i+1, issue)
	}

	if cfg.Strict {
		return fmt.Errorf("%d structural difference(s) found", len(issues))
	}
	return nil
}

func readDocument(path, selector string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if selector == "" {
		return data, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	sub := gjson.GetBytes(data, selector)
	if !sub.Exists() {
		return nil, fmt.Errorf("path %q not found in %s", selector, path)
	}
	return []byte(sub.Raw), nil
}
