package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/graph"
)

func newGraphCmd(opts *globalOptions) *cobra.Command {
	var (
		outputFormat  string
		clusterByKind bool
		includeEnv    bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Generate a diagram of the pipeline graph",
		Long: `Generate a DOT or Mermaid diagram of the pipeline: grants, triggers, routes and
wildcard policies.

The output can be rendered with Graphviz:
    thumbstack graph | dot -Tpng -o pipeline.png

Or used in GitHub markdown (Mermaid format):
    thumbstack graph -f mermaid

Examples:
    thumbstack graph
    thumbstack graph -c              # cluster by entity kind
    thumbstack graph -e              # draw environment references
    thumbstack graph -f mermaid      # mermaid format`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var format graph.Format
			switch outputFormat {
			case "dot":
				format = graph.FormatDOT
			case "mermaid":
				format = graph.FormatMermaid
			default:
				return fmt.Errorf("unknown format: %s (use 'dot' or 'mermaid')", outputFormat)
			}

			g, _, _, err := opts.graph()
			if err != nil {
				return err
			}

			gen := &graph.Generator{
				Format:        format,
				ClusterByKind: clusterByKind,
				IncludeEnv:    includeEnv,
			}
			return gen.Generate(g, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "dot", "Output format: dot or mermaid")
	cmd.Flags().BoolVarP(&clusterByKind, "cluster", "c", false, "Cluster entities by kind")
	cmd.Flags().BoolVarP(&includeEnv, "env", "e", false, "Draw environment references")

	return cmd
}
