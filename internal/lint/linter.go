// Package lint checks a resource graph for findings that do not make it
// structurally invalid but that a reviewer would flag: broad policies,
// platform limits, deprecated runtimes and broken environment contracts.
//
// Rules:
//
//	THS001: Wildcard policy attachments; error when they cover destructive actions
//	THS002: Handler timeouts beyond the API integration limit or unusually long
//	THS003: Deprecated handler runtime
//	THS004: Handler environment misses a contract key
//	THS005: Table grant without the table name in the handler environment
//	THS006: Retained bucket with auto-purge set
//
// Warnings recorded while the graph was built are reported as THS000.
package lint

import (
	"slices"

	corelint "github.com/lex00/wetwire-core-go/lint"

	"github.com/lex00/thumbstack-go/internal/stack"
)

// Type aliases for the core lint types.
type (
	// Issue is an alias for corelint.Issue. File holds the ID of the entity
	// the issue is about.
	Issue = corelint.Issue
	// Severity is an alias for corelint.Severity.
	Severity = corelint.Severity
)

// Severity constants.
const (
	SeverityError   = corelint.SeverityError
	SeverityWarning = corelint.SeverityWarning
	SeverityInfo    = corelint.SeverityInfo
)

// SeverityName returns the lower-case name of a severity.
func SeverityName(s Severity) string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	}
	return "unknown"
}

// Rule is a single graph check.
type Rule interface {
	ID() string
	Description() string
	Check(g *stack.Graph) []Issue
}

// Result contains the outcome of linting.
type Result struct {
	// Success is false when any issue has error severity.
	Success bool
	Issues  []Issue
}

// Errors returns the number of error-severity issues.
func (r Result) Errors() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Options configures the linter.
type Options struct {
	// Rules to enable. If empty, all rules are enabled.
	EnabledRules []string
	// Rules to skip.
	DisabledRules []string
}

// AllRules returns every rule in ID order.
func AllRules() []Rule {
	return []Rule{
		WildcardPolicy{},
		HandlerTimeout{},
		DeprecatedRuntime{},
		EnvContract{},
		TableGrantWithoutEnv{},
		RetainedAutoPurge{},
	}
}

// LintGraph runs the enabled rules over g.
func LintGraph(g *stack.Graph, opts Options) Result {
	var issues []Issue
	for _, rule := range getRules(opts) {
		issues = append(issues, rule.Check(g)...)
	}
	for _, w := range g.Warnings() {
		issues = append(issues, Issue{
			Rule:     "THS000",
			Message:  w,
			Severity: SeverityInfo,
		})
	}

	result := Result{Issues: issues}
	result.Success = result.Errors() == 0
	return result
}

// getRules returns the rules to use based on options.
func getRules(opts Options) []Rule {
	var rules []Rule
	for _, r := range AllRules() {
		if len(opts.EnabledRules) > 0 && !slices.Contains(opts.EnabledRules, r.ID()) {
			continue
		}
		if slices.Contains(opts.DisabledRules, r.ID()) {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}
