// Package graph renders a resource graph in DOT or Mermaid format.
package graph

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/emicklei/dot"

	"github.com/lex00/thumbstack-go/internal/stack"
)

// Format specifies the output format for the graph.
type Format string

const (
	// FormatDOT outputs Graphviz DOT format.
	FormatDOT Format = "dot"
	// FormatMermaid outputs Mermaid format for GitHub/markdown rendering.
	FormatMermaid Format = "mermaid"
)

// Generator renders resource graphs.
type Generator struct {
	// Format specifies the output format (dot or mermaid). Defaults to dot.
	Format Format

	// ClusterByKind groups entities of the same kind.
	ClusterByKind bool

	// IncludeEnv draws dashed edges for environment references.
	IncludeEnv bool
}

var shapes = map[stack.Kind]string{
	stack.KindBucket:  "cylinder",
	stack.KindTable:   "cylinder",
	stack.KindHandler: "box",
	stack.KindAPI:     "component",
}

// Generate renders g and writes it to w.
func (gen *Generator) Generate(g *stack.Graph, w io.Writer) error {
	graph := gen.buildGraph(g)

	var output string
	if gen.Format == FormatMermaid {
		output = dot.MermaidGraph(graph, dot.MermaidTopToBottom)
	} else {
		output = graph.String()
	}

	_, err := io.WriteString(w, output)
	return err
}

// GenerateString is a convenience method that returns the graph as a string.
func (gen *Generator) GenerateString(g *stack.Graph) (string, error) {
	var sb strings.Builder
	if err := gen.Generate(g, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (gen *Generator) buildGraph(g *stack.Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "TB")

	graph.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "box")
		n.Attr("fontname", "Arial")
	})
	graph.EdgeInitializer(func(e dot.Edge) {
		e.Attr("fontname", "Arial")
		e.Attr("fontsize", "10")
	})

	nodes := gen.addNodes(graph, g)

	for _, gr := range g.Grants() {
		graph.Edge(nodes[gr.Principal], nodes[gr.Target], string(gr.Level))
	}
	for _, tr := range g.Triggers() {
		e := graph.Edge(nodes[tr.Bucket], nodes[tr.Handler], string(tr.Event))
		e.Attr("color", "red")
	}
	for _, api := range g.APIs() {
		for _, r := range api.Routes {
			e := graph.Edge(nodes[api.ID], nodes[r.Handler], r.Method+" /"+r.Path)
			e.Attr("color", "blue")
		}
	}
	for i, p := range g.Policies() {
		if !p.Wildcard {
			continue
		}
		n := graph.Node(fmt.Sprintf("%s-policy-%d", p.Principal, i))
		n.Label(strings.Join(p.Actions, ",") + "\\non " + strings.Join(p.Resources, ","))
		n.Attr("shape", "note")
		n.Attr("color", "orange")
		e := graph.Edge(nodes[p.Principal], n, "wildcard")
		e.Attr("style", "dashed")
		e.Attr("color", "orange")
	}
	if gen.IncludeEnv {
		for _, h := range g.Handlers() {
			for _, key := range slices.Sorted(maps.Keys(h.Env)) {
				if v := h.Env[key]; v.IsRef() {
					e := graph.Edge(nodes[h.ID], nodes[v.Source], key)
					e.Attr("style", "dashed")
					e.Attr("color", "gray")
				}
			}
		}
	}

	return graph
}

// addNodes adds one node per entity, optionally grouped by kind.
func (gen *Generator) addNodes(graph *dot.Graph, g *stack.Graph) map[string]dot.Node {
	byKind := make(map[stack.Kind][]string)
	var kinds []stack.Kind
	for _, id := range g.IDs() {
		kind, _ := g.Kind(id)
		if _, ok := byKind[kind]; !ok {
			kinds = append(kinds, kind)
		}
		byKind[kind] = append(byKind[kind], id)
	}

	nodes := make(map[string]dot.Node)
	for _, kind := range kinds {
		ids := byKind[kind]
		parent := graph
		if gen.ClusterByKind && len(ids) > 1 {
			parent = graph.Subgraph("cluster_"+string(kind), dot.ClusterOption{})
			parent.Attr("label", string(kind))
			parent.Attr("style", "rounded")
			parent.Attr("bgcolor", "lightyellow")
		}
		for _, id := range ids {
			n := parent.Node(id)
			n.Label(id + "\\n[" + string(kind) + "]")
			n.Attr("shape", shapes[kind])
			nodes[id] = n
		}
	}
	return nodes
}
