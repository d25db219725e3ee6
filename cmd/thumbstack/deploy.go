package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/deploy"
	"github.com/lex00/thumbstack-go/internal/template"
)

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var (
		stackName    string
		codeBucket   string
		codePrefix   string
		outputFormat string
		maxWait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create or update the CloudFormation stack",
		Long: `Deploy synthesizes the template and creates the stack, or updates it when it
already exists, then waits for CloudFormation to finish. Handler code must
already be uploaded as <code-prefix><code path>.zip in the code bucket.

Examples:
    thumbstack deploy --code-bucket my-artifacts
    thumbstack deploy --variant reduced --stack-name thumbs-dev --code-bucket my-artifacts --code-prefix dev/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, cfg, logger, err := opts.graph()
			if err != nil {
				return err
			}
			if stackName == "" {
				stackName = cfg.Pipeline.Name
			}

			tmpl, err := template.Synthesize(g)
			if err != nil {
				return fmt.Errorf("synthesis failed: %w", err)
			}

			awsCfg, err := deploy.LoadAWSConfig(cmd.Context(), cfg.Pipeline.Region)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			d := deploy.NewDeployer(cloudformation.NewFromConfig(awsCfg), logger)
			d.MaxWait = maxWait
			result, err := d.Deploy(cmd.Context(), stackName, tmpl, map[string]string{
				template.ParamCodeBucket:    codeBucket,
				template.ParamCodeKeyPrefix: codePrefix,
			})
			if err != nil {
				return err
			}
			return outputDeployResult(cmd.OutOrStdout(), result, outputFormat)
		},
	}

	cmd.Flags().StringVar(&stackName, "stack-name", "", "Stack name (default: from config)")
	cmd.Flags().StringVar(&codeBucket, "code-bucket", "", "Bucket holding the handler code archives")
	cmd.Flags().StringVar(&codePrefix, "code-prefix", "", "Key prefix of the handler code archives")
	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")
	cmd.Flags().DurationVar(&maxWait, "max-wait", deploy.DefaultMaxWait, "Maximum time to wait for the stack operation")
	_ = cmd.MarkFlagRequired("code-bucket")

	return cmd
}

func outputDeployResult(w io.Writer, result *deploy.Result, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		switch result.Action {
		case deploy.ActionNone:
			fmt.Fprintf(w, "Stack %s is up to date\n", result.StackName)
		default:
			fmt.Fprintf(w, "Stack %s: %s complete\n", result.StackName, result.Action)
		}
		for _, k := range slices.Sorted(maps.Keys(result.Outputs)) {
			fmt.Fprintf(w, "  %s = %s\n", k, result.Outputs[k])
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	return nil
}
