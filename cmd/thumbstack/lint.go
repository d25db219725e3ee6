package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/lint"
)

func newLintCmd(opts *globalOptions) *cobra.Command {
	var (
		outputFormat string
		enable       []string
		disable      []string
	)

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check the pipeline graph for issues",
		Long: `Lint checks the pipeline graph for findings that do not stop it from building.

Rules:
    THS000: Warnings recorded while building the graph
    THS001: Wildcard policy attachments
    THS002: Handler timeouts beyond the API integration limit
    THS003: Deprecated handler runtime
    THS004: Handler environment misses a contract key
    THS005: Table grant without the table name in the environment
    THS006: Retained bucket with auto-purge set

Examples:
    thumbstack lint
    thumbstack lint --disable THS003
    thumbstack lint --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, _, err := opts.graph()
			if err != nil {
				return err
			}
			result := lint.LintGraph(g, lint.Options{EnabledRules: enable, DisabledRules: disable})
			return outputLintResult(cmd.OutOrStdout(), toLintResult(result), outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")
	cmd.Flags().StringSliceVar(&enable, "enable", nil, "Only run these rules")
	cmd.Flags().StringSliceVar(&disable, "disable", nil, "Skip these rules")

	return cmd
}

func toLintResult(r lint.Result) thumbstack.LintResult {
	result := thumbstack.LintResult{Success: r.Success}
	for _, issue := range r.Issues {
		result.Issues = append(result.Issues, thumbstack.LintIssue{
			Entity:   issue.File,
			Severity: lint.SeverityName(issue.Severity),
			Message:  issue.Message,
			Rule:     issue.Rule,
		})
	}
	return result
}

func outputLintResult(w io.Writer, result thumbstack.LintResult, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		if len(result.Issues) == 0 {
			fmt.Fprintln(w, "No issues found.")
			return nil
		}

		for _, issue := range result.Issues {
			if issue.Entity != "" {
				fmt.Fprintf(w, "%s: %s: %s [%s]\n", issue.Entity, issue.Severity, issue.Message, issue.Rule)
			} else {
				fmt.Fprintf(w, "%s: %s [%s]\n", issue.Severity, issue.Message, issue.Rule)
			}
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	if !result.Success {
		return errIssuesFound
	}

	return nil
}
