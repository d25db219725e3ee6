package main

import (
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/pulumiprog"
)

func newPulumiCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pulumi",
		Short: "Run the pipeline as a Pulumi program",
		Long: `Pulumi registers the pipeline graph with the Pulumi engine instead of
synthesizing a CloudFormation template. It must be started by the Pulumi CLI,
which supplies the engine address and stack through the environment.

Examples:
    pulumi up`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, _, err := opts.graph()
			if err != nil {
				return err
			}
			return pulumi.RunErr(pulumiprog.Program(g))
		},
	}
}
