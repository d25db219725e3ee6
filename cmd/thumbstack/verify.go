package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/deploy"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		stackName    string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare live handlers and tables with the pipeline graph",
		Long: `Verify reads the deployed stack's outputs, then checks each live Lambda
function and DynamoDB table against the graph: runtime, entry point, timeout,
memory, environment, layers, billing mode and partition key.

Examples:
    thumbstack verify
    thumbstack verify --stack-name thumbs-dev --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, cfg, logger, err := opts.graph()
			if err != nil {
				return err
			}
			if stackName == "" {
				stackName = cfg.Pipeline.Name
			}

			awsCfg, err := deploy.LoadAWSConfig(cmd.Context(), cfg.Pipeline.Region)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			outputs, err := deploy.NewDeployer(cloudformation.NewFromConfig(awsCfg), logger).
				Outputs(cmd.Context(), stackName)
			if err != nil {
				return err
			}

			v := deploy.NewVerifier(lambda.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg), logger)
			report, err := v.Verify(cmd.Context(), g, outputs)
			if err != nil {
				return err
			}
			return outputVerifyReport(cmd.OutOrStdout(), report, outputFormat)
		},
	}

	cmd.Flags().StringVar(&stackName, "stack-name", "", "Stack name (default: from config)")
	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")

	return cmd
}

func outputVerifyReport(w io.Writer, report *deploy.Report, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		if report.InSync() {
			fmt.Fprintf(w, "In sync (%d resources checked)\n", report.Checked)
			return nil
		}
		for _, d := range report.Drift {
			fmt.Fprintln(w, d.String())
		}
		fmt.Fprintf(w, "\n%d drifted settings across %d resources checked\n", len(report.Drift), report.Checked)

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	if !report.InSync() {
		return errIssuesFound
	}
	return nil
}
