// Package template synthesizes a resource graph into a CloudFormation template.
package template

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/stack"
)

// FormatVersion is the CloudFormation template format version.
const FormatVersion = "2010-09-09"

// Template parameters locating handler code assets.
const (
	ParamCodeBucket    = "CodeBucket"
	ParamCodeKeyPrefix = "CodeKeyPrefix"
)

// Options configures synthesis.
type Options struct {
	// Description of the template; defaults to a summary of the graph.
	Description string
	// ExportOutputs adds a cross-stack export named <stack>-<output> to
	// every output.
	ExportOutputs bool
}

// Synthesizer converts a Graph into a CloudFormation template.
type Synthesizer struct {
	graph *stack.Graph
	opts  Options

	resources map[string]thumbstack.ResourceDef
	outputs   map[string]thumbstack.Output
}

// NewSynthesizer creates a synthesizer for g.
func NewSynthesizer(g *stack.Graph, opts Options) *Synthesizer {
	return &Synthesizer{graph: g, opts: opts}
}

// Synthesize converts g into a template with default options.
func Synthesize(g *stack.Graph) (*thumbstack.Template, error) {
	return NewSynthesizer(g, Options{}).Synthesize()
}

// Synthesize constructs the CloudFormation template. Entities are emitted in
// dependency order, and the result is checked for reference cycles.
func (s *Synthesizer) Synthesize() (*thumbstack.Template, error) {
	s.resources = make(map[string]thumbstack.ResourceDef)
	s.outputs = make(map[string]thumbstack.Output)

	for _, id := range s.graph.Order() {
		kind, _ := s.graph.Kind(id)
		switch kind {
		case stack.KindTable:
			t, _ := s.graph.Table(id)
			s.addTable(t)
		case stack.KindBucket:
			b, _ := s.graph.Bucket(id)
			s.addBucket(b)
		case stack.KindHandler:
			h, _ := s.graph.Handler(id)
			s.addHandler(h)
		case stack.KindAPI:
			a, _ := s.graph.API(id)
			s.addAPI(a)
		default:
			return nil, fmt.Errorf("unknown entity kind %q for %s", kind, id)
		}
	}
	for _, tr := range s.graph.Triggers() {
		s.addTrigger(tr)
	}

	template := &thumbstack.Template{
		AWSTemplateFormatVersion: FormatVersion,
		Description:              s.description(),
		Resources:                s.resources,
	}
	if len(s.graph.Handlers()) > 0 {
		template.Parameters = map[string]thumbstack.Parameter{
			ParamCodeBucket: {
				Type:        "String",
				Description: "S3 bucket holding the handler code assets",
			},
			ParamCodeKeyPrefix: {
				Type:        "String",
				Description: "Key prefix of the handler code assets",
				Default:     "",
			},
		}
	}
	if len(s.outputs) > 0 {
		template.Outputs = s.outputs
	}

	if _, err := ResourceOrder(template); err != nil {
		return nil, err
	}
	return template, nil
}

func (s *Synthesizer) description() string {
	if s.opts.Description != "" {
		return s.opts.Description
	}
	return fmt.Sprintf("Thumbnail pipeline: %d bucket(s), %d handler(s), %d table(s), %d API(s)",
		len(s.graph.Buckets()), len(s.graph.Handlers()), len(s.graph.Tables()), len(s.graph.APIs()))
}

func (s *Synthesizer) addResource(name string, def thumbstack.ResourceDef) {
	s.resources[name] = def
}

func (s *Synthesizer) addOutput(name, description string, value any) {
	out := thumbstack.Output{Description: description, Value: value}
	if s.opts.ExportOutputs {
		out.Export = &thumbstack.OutputExport{Name: subf("${AWS::StackName}-%s", name)}
	}
	s.outputs[name] = out
}

var subRefPattern = regexp.MustCompile(`\$\{([A-Za-z0-9]+)(\.[A-Za-z0-9.]+)?\}`)

// ResourceOrder returns the template's resources ordered so each follows the
// resources it references through Ref, Fn::GetAtt, Fn::Sub or DependsOn.
func ResourceOrder(t *thumbstack.Template) ([]string, error) {
	names := slices.Sorted(maps.Keys(t.Resources))
	deps := make(map[string][]string, len(names))
	for _, name := range names {
		refs, err := resourceRefs(t.Resources[name])
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", name, err)
		}
		deps[name] = refs
	}
	return stack.SortDependencies(names, deps)
}

// resourceRefs returns the logical names a resource refers to.
func resourceRefs(def thumbstack.ResourceDef) ([]string, error) {
	data, err := json.Marshal(def.Properties)
	if err != nil {
		return nil, err
	}
	var props any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var refs []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	for _, d := range def.DependsOn {
		add(d)
	}

	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case map[string]any:
			if ref, ok := v["Ref"].(string); ok {
				add(ref)
			}
			if getAtt, ok := v["Fn::GetAtt"].([]any); ok && len(getAtt) > 0 {
				if name, ok := getAtt[0].(string); ok {
					add(name)
				}
			}
			if sub, ok := v["Fn::Sub"].(string); ok {
				for _, m := range subRefPattern.FindAllStringSubmatch(sub, -1) {
					add(m[1])
				}
			}
			for _, key := range slices.Sorted(maps.Keys(v)) {
				walk(v[key])
			}
		case []any:
			for _, elem := range v {
				walk(elem)
			}
		}
	}
	walk(props)
	return refs, nil
}

// ToJSON serializes the template to JSON.
func ToJSON(t *thumbstack.Template) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// ToYAML serializes the template to YAML. The template is encoded as JSON
// first so intrinsic functions keep their CloudFormation form.
func ToYAML(t *thumbstack.Template) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

// blockStyle clears the flow and quoting styles the JSON decoder left on n.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
