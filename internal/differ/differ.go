// Package differ provides semantic comparison of CloudFormation templates.
package differ

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	thumbstack "github.com/lex00/thumbstack-go"
)

// Options configures the differ.
type Options struct {
	// IgnoreOrder ignores array element order in comparisons.
	IgnoreOrder bool
}

// Result contains the difference between two templates.
type Result struct {
	Diff    thumbstack.TemplateDiff
	Summary thumbstack.DiffSummary
}

// Compare compares two CloudFormation templates and returns differences.
// Both templates are normalized through JSON first, so a freshly synthesized
// template compares equal to the same template read back from a file.
func Compare(template1, template2 *thumbstack.Template, opts Options) (*Result, error) {
	t1, err := Normalize(template1)
	if err != nil {
		return nil, fmt.Errorf("normalizing first template: %w", err)
	}
	t2, err := Normalize(template2)
	if err != nil {
		return nil, fmt.Errorf("normalizing second template: %w", err)
	}

	result := &Result{}
	res1, res2 := t1.Resources, t2.Resources

	for name, def := range res2 {
		if _, exists := res1[name]; !exists {
			result.Diff.Added = append(result.Diff.Added, thumbstack.DiffEntry{
				Resource: name,
				Type:     def.Type,
			})
		}
	}

	for name, def := range res1 {
		if _, exists := res2[name]; !exists {
			result.Diff.Removed = append(result.Diff.Removed, thumbstack.DiffEntry{
				Resource: name,
				Type:     def.Type,
			})
		}
	}

	for name, def1 := range res1 {
		if def2, exists := res2[name]; exists {
			changes := compareResources(def1, def2, opts)
			if len(changes) > 0 {
				result.Diff.Modified = append(result.Diff.Modified, thumbstack.DiffEntry{
					Resource: name,
					Type:     def1.Type,
					Changes:  changes,
				})
			}
		}
	}

	sortEntries(result.Diff.Added)
	sortEntries(result.Diff.Removed)
	sortEntries(result.Diff.Modified)

	result.Summary = thumbstack.DiffSummary{
		Added:    len(result.Diff.Added),
		Removed:  len(result.Diff.Removed),
		Modified: len(result.Diff.Modified),
	}
	result.Summary.Total = result.Summary.Added + result.Summary.Removed + result.Summary.Modified

	return result, nil
}

// CompareFiles compares two template files.
func CompareFiles(file1, file2 string, opts Options) (*Result, error) {
	t1, err := LoadTemplate(file1)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", file1, err)
	}

	t2, err := LoadTemplate(file2)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", file2, err)
	}

	return Compare(t1, t2, opts)
}

// LoadTemplate loads a CloudFormation template from a JSON or YAML file.
func LoadTemplate(path string) (*thumbstack.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTemplate(data)
}

// ParseTemplate decodes a JSON or YAML template.
func ParseTemplate(data []byte) (*thumbstack.Template, error) {
	var template thumbstack.Template

	// Try JSON first
	if err := json.Unmarshal(data, &template); err != nil {
		template = thumbstack.Template{}
		if err := yaml.Unmarshal(data, &template); err != nil {
			return nil, fmt.Errorf("failed to parse as JSON or YAML: %w", err)
		}
	}

	return &template, nil
}

// Normalize returns a copy of t with every property reduced to plain JSON
// values (maps, slices, strings, float64, bool, nil).
func Normalize(t *thumbstack.Template) (*thumbstack.Template, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out thumbstack.Template
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// compareResources compares two resource definitions and returns changes.
func compareResources(def1, def2 thumbstack.ResourceDef, opts Options) []string {
	var changes []string

	if def1.Type != def2.Type {
		changes = append(changes, fmt.Sprintf("Type changed: %s → %s", def1.Type, def2.Type))
	}

	changes = append(changes, compareProperties("", def1.Properties, def2.Properties, opts)...)

	depends1, depends2 := def1.DependsOn, def2.DependsOn
	if opts.IgnoreOrder {
		depends1, depends2 = slices.Sorted(slices.Values(depends1)), slices.Sorted(slices.Values(depends2))
	}
	if !slices.Equal(depends1, depends2) {
		changes = append(changes, "DependsOn changed")
	}
	if p1, p2 := effectiveDeletion(def1.DeletionPolicy), effectiveDeletion(def2.DeletionPolicy); p1 != p2 {
		changes = append(changes, fmt.Sprintf("DeletionPolicy changed: %s → %s", p1, p2))
	}

	return changes
}

// effectiveDeletion applies the CloudFormation default deletion policy.
func effectiveDeletion(policy string) string {
	if policy == "" {
		return "Delete"
	}
	return policy
}

// compareProperties recursively compares property maps, reporting the dotted
// path of each added, removed or modified leaf.
func compareProperties(prefix string, props1, props2 map[string]any, opts Options) []string {
	var changes []string

	for _, key := range slices.Sorted(maps.Keys(props2)) {
		val2 := props2[key]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		val1, exists := props1[key]
		if !exists {
			changes = append(changes, fmt.Sprintf("%s added", path))
			continue
		}
		m1, ok1 := val1.(map[string]any)
		m2, ok2 := val2.(map[string]any)
		if ok1 && ok2 && !isIntrinsic(m1) && !isIntrinsic(m2) {
			changes = append(changes, compareProperties(path, m1, m2, opts)...)
			continue
		}
		if !deepEqual(val1, val2, opts) {
			changes = append(changes, fmt.Sprintf("%s modified", path))
		}
	}

	for key := range props1 {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if _, exists := props2[key]; !exists {
			changes = append(changes, fmt.Sprintf("%s removed", path))
		}
	}

	sort.Strings(changes)
	return changes
}

// isIntrinsic reports whether m is a single intrinsic function, which is
// compared as a whole.
func isIntrinsic(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		return k == "Ref" || len(k) > 4 && k[:4] == "Fn::"
	}
	return false
}

// deepEqual compares two values deeply, optionally ignoring order.
func deepEqual(a, b any, opts Options) bool {
	if opts.IgnoreOrder {
		a = normalizeValue(a)
		b = normalizeValue(b)
	}
	return reflect.DeepEqual(a, b)
}

// normalizeValue sorts every array in v by the JSON encoding of its elements.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []any:
		result := make([]any, len(val))
		keys := make([]string, len(val))
		for i, elem := range val {
			result[i] = normalizeValue(elem)
			data, _ := json.Marshal(result[i])
			keys[i] = string(data)
		}
		sort.Sort(byKey{values: result, keys: keys})
		return result
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = normalizeValue(v)
		}
		return result
	default:
		return v
	}
}

type byKey struct {
	values []any
	keys   []string
}

func (b byKey) Len() int           { return len(b.values) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.values[i], b.values[j] = b.values[j], b.values[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

// sortEntries sorts diff entries by resource name.
func sortEntries(entries []thumbstack.DiffEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Resource < entries[j].Resource
	})
}
