package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/differ"
	"github.com/lex00/thumbstack-go/internal/template"
)

func newDiffCmd(opts *globalOptions) *cobra.Command {
	var (
		outputFormat string
		ignoreOrder  bool
	)

	cmd := &cobra.Command{
		Use:   "diff <template1> [template2]",
		Short: "Compare CloudFormation templates",
		Long: `Diff compares two CloudFormation templates resource by resource.

With a single argument, the recorded template is compared against the template
synthesized from the current configuration, showing what a deployment would
change.

Examples:
    thumbstack diff deployed.json
    thumbstack diff old.yaml new.yaml --ignore-order
    thumbstack diff old.json new.json --format json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := runDiff(opts, args, differ.Options{IgnoreOrder: ignoreOrder})
			if err != nil {
				return err
			}
			return outputDiffResult(cmd.OutOrStdout(), result, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&ignoreOrder, "ignore-order", false, "Ignore array element order")

	return cmd
}

func runDiff(opts *globalOptions, args []string, diffOpts differ.Options) (*differ.Result, error) {
	if len(args) == 2 {
		return differ.CompareFiles(args[0], args[1], diffOpts)
	}

	recorded, err := differ.LoadTemplate(args[0])
	if err != nil {
		return nil, err
	}
	g, _, _, err := opts.graph()
	if err != nil {
		return nil, err
	}
	current, err := template.Synthesize(g)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	return differ.Compare(recorded, current, diffOpts)
}

func outputDiffResult(w io.Writer, result *differ.Result, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(thumbstack.DiffResult{
			Success: true,
			Diff:    result.Diff,
			Summary: result.Summary,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		if result.Summary.Total == 0 {
			fmt.Fprintln(w, "No differences found.")
			return nil
		}
		for _, e := range result.Diff.Added {
			fmt.Fprintf(w, "+ %s (%s)\n", e.Resource, e.Type)
		}
		for _, e := range result.Diff.Removed {
			fmt.Fprintf(w, "- %s (%s)\n", e.Resource, e.Type)
		}
		for _, e := range result.Diff.Modified {
			fmt.Fprintf(w, "~ %s (%s)\n", e.Resource, e.Type)
			for _, c := range e.Changes {
				fmt.Fprintf(w, "    %s\n", c)
			}
		}
		fmt.Fprintf(w, "\n%d added, %d removed, %d modified\n",
			result.Summary.Added, result.Summary.Removed, result.Summary.Modified)

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	return nil
}
