package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/stack"
	"github.com/lex00/thumbstack-go/internal/template"
)

func newBuildCmd(opts *globalOptions) *cobra.Command {
	var (
		outputFormat  string
		outputFile    string
		description   string
		exportOutputs bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Synthesize the CloudFormation template",
		Long: `Build constructs the pipeline graph and synthesizes it into a CloudFormation
template. Handler code is read from the CodeBucket parameter under the
CodeKeyPrefix key prefix.

Examples:
    thumbstack build
    thumbstack build --variant reduced -o template.json
    thumbstack build --config stack.yaml --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := runBuild(opts, template.Options{
				Description:   description,
				ExportOutputs: exportOutputs,
			})
			return outputResult(cmd, result, outputFormat, outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&description, "description", "", "Template description")
	cmd.Flags().BoolVar(&exportOutputs, "export-outputs", false, "Export every output as <stack>-<output>")

	return cmd
}

func runBuild(opts *globalOptions, synthOpts template.Options) thumbstack.BuildResult {
	g, _, _, err := opts.graph()
	if err != nil {
		return thumbstack.BuildResult{Success: false, Errors: errorLines(err)}
	}

	tmpl, err := template.NewSynthesizer(g, synthOpts).Synthesize()
	if err != nil {
		return thumbstack.BuildResult{Success: false, Errors: errorLines(err)}
	}

	resources := make([]string, 0, len(g.Order()))
	for _, id := range g.Order() {
		resources = append(resources, stack.LogicalID(id))
	}
	return thumbstack.BuildResult{Success: true, Template: *tmpl, Resources: resources}
}

func outputResult(cmd *cobra.Command, result thumbstack.BuildResult, format, outputFile string) error {
	if !result.Success {
		for _, e := range result.Errors {
			fmt.Fprintln(cmd.ErrOrStderr(), e)
		}
		return fmt.Errorf("build failed")
	}
	return writeTemplate(cmd.OutOrStdout(), &result.Template, format, outputFile)
}

// errorLines flattens errors joined with errors.Join into one line each.
func errorLines(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var lines []string
		for _, e := range joined.Unwrap() {
			lines = append(lines, errorLines(e)...)
		}
		return lines
	}
	return []string{err.Error()}
}

func encodeTemplate(tmpl *thumbstack.Template, format string) ([]byte, error) {
	switch format {
	case "json":
		return template.ToJSON(tmpl)
	case "yaml":
		return template.ToYAML(tmpl)
	}
	return nil, fmt.Errorf("unknown format: %s", format)
}

func writeTemplate(w io.Writer, tmpl *thumbstack.Template, format, outputFile string) error {
	data, err := encodeTemplate(tmpl, format)
	if err != nil {
		return err
	}

	if outputFile == "" {
		fmt.Fprintln(w, string(data))
		return nil
	}

	return os.WriteFile(outputFile, data, 0644)
}
