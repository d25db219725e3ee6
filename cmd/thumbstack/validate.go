package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/lint"
	"github.com/lex00/thumbstack-go/internal/template"
	"github.com/lex00/thumbstack-go/internal/validation"
)

// newValidateCmd creates the "validate" subcommand for checking the graph and
// the synthesized template.
func newValidateCmd(opts *globalOptions) *cobra.Command {
	var (
		outputFormat string
		templateFile string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint the graph and validate the synthesized template",
		Long: `Validate builds the pipeline graph, runs the graph lint rules, synthesizes the
CloudFormation template and checks it with cfn-lint.

Checks performed:
  - Graph lint: error-severity findings fail validation
  - cfn-lint: template errors fail validation; warnings are reported

Examples:
    thumbstack validate
    thumbstack validate --template recorded.yaml
    thumbstack validate --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := runValidate(opts, templateFile)
			if err != nil {
				return err
			}
			return outputValidateResult(cmd.OutOrStdout(), result, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")
	cmd.Flags().StringVar(&templateFile, "template", "", "Validate this template file instead of synthesizing one")

	return cmd
}

func runValidate(opts *globalOptions, templateFile string) (thumbstack.ValidateResult, error) {
	var result thumbstack.ValidateResult

	g, _, _, err := opts.graph()
	if err != nil {
		return result, err
	}

	for _, issue := range lint.LintGraph(g, lint.Options{}).Issues {
		line := fmt.Sprintf("%s: %s [%s]", issue.File, issue.Message, issue.Rule)
		switch issue.Severity {
		case lint.SeverityError:
			result.Errors = append(result.Errors, line)
		case lint.SeverityWarning:
			result.Warnings = append(result.Warnings, line)
		}
	}

	var cfn *validation.CfnLintResult
	if templateFile != "" {
		cfn, err = validation.RunCfnLint(templateFile)
	} else {
		var tmpl *thumbstack.Template
		if tmpl, err = template.Synthesize(g); err != nil {
			return result, fmt.Errorf("synthesis failed: %w", err)
		}
		result.Resources = len(tmpl.Resources)
		cfn, err = validation.ValidateTemplate(tmpl)
	}
	if err != nil {
		return result, fmt.Errorf("cfn-lint: %w", err)
	}

	result.Errors = append(result.Errors, cfn.Errors...)
	result.Warnings = append(result.Warnings, cfn.Warnings...)
	result.Success = len(result.Errors) == 0
	return result, nil
}

func outputValidateResult(w io.Writer, result thumbstack.ValidateResult, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		for _, e := range result.Errors {
			fmt.Fprintf(w, "error: %s\n", e)
		}
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warning)
		}
		if result.Success {
			fmt.Fprintf(w, "Validation passed (%d resources)\n", result.Resources)
		} else {
			fmt.Fprintf(w, "Validation failed with %d errors\n", len(result.Errors))
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	if !result.Success {
		return errIssuesFound
	}
	return nil
}
