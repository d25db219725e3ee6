package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/stack"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the entities of the pipeline graph",
		Long: `List builds the pipeline graph and displays its entities in dependency order.

Examples:
    thumbstack list
    thumbstack list --variant reduced --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, _, err := opts.graph()
			if err != nil {
				return err
			}
			return outputListResult(cmd.OutOrStdout(), listEntities(g), outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")

	return cmd
}

func listEntities(g *stack.Graph) thumbstack.ListResult {
	result := thumbstack.ListResult{Entities: make([]thumbstack.ListEntity, 0, len(g.Order()))}
	for _, id := range g.Order() {
		kind, _ := g.Kind(id)
		result.Entities = append(result.Entities, thumbstack.ListEntity{
			ID:        id,
			Kind:      string(kind),
			LogicalID: stack.LogicalID(id),
		})
	}
	return result
}

func outputListResult(w io.Writer, result thumbstack.ListResult, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		if len(result.Entities) == 0 {
			fmt.Fprintln(w, "No entities declared.")
			return nil
		}

		fmt.Fprintf(w, "Declared entities (%d):\n\n", len(result.Entities))
		for _, e := range result.Entities {
			fmt.Fprintf(w, "  %s: %s (%s)\n", e.ID, e.Kind, e.LogicalID)
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	return nil
}
