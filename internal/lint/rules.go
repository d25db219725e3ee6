package lint

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lex00/thumbstack-go/internal/stack"
)

// destructiveActions are actions whose grant through a wildcard warrants an
// error rather than a warning.
var destructiveActions = []string{
	"s3:DeleteBucket",
	"s3:DeleteBucketPolicy",
	"s3:PutBucketPolicy",
	"s3:PutBucketAcl",
	"s3:DeleteObject",
	"s3:DeleteObjectVersion",
	"dynamodb:DeleteTable",
	"lambda:DeleteFunction",
	"iam:PassRole",
}

// matchAction reports whether the action glob pattern covers action.
// Action names are case-insensitive.
func matchAction(pattern, action string) bool {
	ok, err := doublestar.Match(strings.ToLower(pattern), strings.ToLower(action))
	return err == nil && ok
}

// WildcardPolicy flags policy attachments with "*" actions or resources.
type WildcardPolicy struct{}

func (r WildcardPolicy) ID() string { return "THS001" }
func (r WildcardPolicy) Description() string {
	return "Avoid wildcard policies; grant scoped access instead"
}

func (r WildcardPolicy) Check(g *stack.Graph) []Issue {
	var issues []Issue
	for _, p := range g.Policies() {
		if !p.Wildcard {
			continue
		}
		var covered []string
		for _, action := range destructiveActions {
			for _, pattern := range p.Actions {
				if matchAction(pattern, action) {
					covered = append(covered, action)
					break
				}
			}
		}

		issue := Issue{
			Rule:       r.ID(),
			File:       p.Principal,
			Suggestion: "use a grant on the specific bucket or table",
			Severity:   SeverityWarning,
			Message: fmt.Sprintf("wildcard policy %s on %s",
				strings.Join(p.Actions, ","), strings.Join(p.Resources, ",")),
		}
		if len(covered) > 0 {
			issue.Severity = SeverityError
			issue.Message += " allows " + strings.Join(covered, ", ")
		}
		issues = append(issues, issue)
	}
	return issues
}

// APIIntegrationTimeout is the longest an API route waits for its handler.
const APIIntegrationTimeout = 29 * time.Second

// LongTimeout is the timeout above which a handler is reported as long-running.
const LongTimeout = 300 * time.Second

// HandlerTimeout flags handler timeouts the API cannot wait for, and
// unusually long ones.
type HandlerTimeout struct{}

func (r HandlerTimeout) ID() string { return "THS002" }
func (r HandlerTimeout) Description() string {
	return "Keep handler timeouts within the limits of their callers"
}

func (r HandlerTimeout) Check(g *stack.Graph) []Issue {
	var issues []Issue
	for _, h := range g.Handlers() {
		if len(g.RoutesTo(h.ID)) > 0 && h.Timeout > APIIntegrationTimeout {
			issues = append(issues, Issue{
				Rule:       r.ID(),
				File:       h.ID,
				Message:    fmt.Sprintf("timeout %s exceeds the %s API integration limit", h.Timeout, APIIntegrationTimeout),
				Suggestion: "lower the timeout to " + APIIntegrationTimeout.String(),
				Severity:   SeverityWarning,
			})
			continue
		}
		if h.Timeout > LongTimeout {
			issues = append(issues, Issue{
				Rule:     r.ID(),
				File:     h.ID,
				Message:  fmt.Sprintf("timeout %s is unusually long", h.Timeout),
				Severity: SeverityInfo,
			})
		}
	}
	return issues
}

// DeprecatedRuntime flags handlers on runtimes the platform has deprecated.
type DeprecatedRuntime struct{}

func (r DeprecatedRuntime) ID() string          { return "THS003" }
func (r DeprecatedRuntime) Description() string { return "Use a supported runtime" }

func (r DeprecatedRuntime) Check(g *stack.Graph) []Issue {
	var issues []Issue
	for _, h := range g.Handlers() {
		if h.Runtime.Deprecated() {
			issues = append(issues, Issue{
				Rule:       r.ID(),
				File:       h.ID,
				Message:    fmt.Sprintf("runtime %s is deprecated", h.Runtime),
				Suggestion: string(stack.RuntimePython312),
				Severity:   SeverityWarning,
			})
		}
	}
	return issues
}

// EnvContract flags handlers whose environment lacks a key the handler code
// reads.
type EnvContract struct{}

func (r EnvContract) ID() string { return "THS004" }
func (r EnvContract) Description() string {
	return "Handler environment must carry the region, thumbnail size and table name"
}

func (r EnvContract) Check(g *stack.Graph) []Issue {
	required := []string{stack.EnvRegion, stack.EnvThumbnailSize}
	if len(g.Tables()) > 0 {
		required = append(required, stack.EnvTable)
	}

	var issues []Issue
	for _, h := range g.Handlers() {
		for _, key := range required {
			if _, ok := h.Env[key]; !ok {
				issues = append(issues, Issue{
					Rule:     r.ID(),
					File:     h.ID,
					Message:  "environment is missing " + key,
					Severity: SeverityError,
				})
			}
		}
	}
	return issues
}

// TableGrantWithoutEnv flags handlers granted access to a table whose name
// they are never told.
type TableGrantWithoutEnv struct{}

func (r TableGrantWithoutEnv) ID() string { return "THS005" }
func (r TableGrantWithoutEnv) Description() string {
	return "Pass granted table names to the handler environment"
}

func (r TableGrantWithoutEnv) Check(g *stack.Graph) []Issue {
	var issues []Issue
	for _, gr := range g.Grants() {
		if gr.TargetKind != stack.KindTable {
			continue
		}
		h, ok := g.Handler(gr.Principal)
		if !ok {
			continue
		}
		referenced := false
		for _, v := range h.Env {
			if v.Source == gr.Target {
				referenced = true
				break
			}
		}
		if !referenced {
			issues = append(issues, Issue{
				Rule:       r.ID(),
				File:       h.ID,
				Message:    fmt.Sprintf("granted %s on table %q but the environment does not reference it", gr.Level, gr.Target),
				Suggestion: stack.EnvTable,
				Severity:   SeverityWarning,
			})
		}
	}
	return issues
}

// RetainedAutoPurge flags retained buckets with auto-purge set. Retained
// buckets keep their objects, so the flag is ignored.
type RetainedAutoPurge struct{}

func (r RetainedAutoPurge) ID() string { return "THS006" }
func (r RetainedAutoPurge) Description() string {
	return "Auto-purge is ignored on retained buckets"
}

func (r RetainedAutoPurge) Check(g *stack.Graph) []Issue {
	var issues []Issue
	for _, b := range g.Buckets() {
		if b.RemovalPolicy == stack.RemovalRetain && b.AutoPurge {
			issues = append(issues, Issue{
				Rule:     r.ID(),
				File:     b.ID,
				Message:  "auto-purge is ignored on a retained bucket; its objects are kept",
				Severity: SeverityInfo,
			})
		}
	}
	return issues
}
