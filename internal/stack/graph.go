package stack

import (
	"maps"
	"slices"
)

// Graph is an immutable resource graph produced by Builder.Build. Accessors
// return copies, so a Graph may be shared between goroutines.
type Graph struct {
	declared []string
	order    []string
	kinds    map[string]Kind
	deps     map[string][]string

	buckets  map[string]Bucket
	tables   map[string]Table
	handlers map[string]Handler
	apis     map[string]API

	grants   []Grant
	levels   map[edge]AccessLevel
	triggers []Trigger
	policies []Policy
	warnings []string
}

func (h Handler) clone() Handler {
	h.Layers = slices.Clone(h.Layers)
	h.Env = maps.Clone(h.Env)
	return h
}

func (a API) clone() API {
	routes := make([]Route, len(a.Routes))
	for i, r := range a.Routes {
		r.RequestTemplates = maps.Clone(r.RequestTemplates)
		routes[i] = r
	}
	a.Routes = routes
	return a
}

func (p Policy) clone() Policy {
	p.Actions = slices.Clone(p.Actions)
	p.Resources = slices.Clone(p.Resources)
	return p
}

// IDs returns every entity ID in declaration order.
func (g *Graph) IDs() []string { return slices.Clone(g.declared) }

// Order returns every entity ID in dependency order: each entity follows the
// entities it references.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// Kind returns the kind of the entity with the given ID.
func (g *Graph) Kind(id string) (Kind, bool) {
	k, ok := g.kinds[id]
	return k, ok
}

// Dependencies returns the IDs the entity references directly.
func (g *Graph) Dependencies(id string) []string { return slices.Clone(g.deps[id]) }

func collect[T any](g *Graph, kind Kind, m map[string]T, clone func(T) T) []T {
	var out []T
	for _, id := range g.declared {
		if g.kinds[id] == kind {
			out = append(out, clone(m[id]))
		}
	}
	return out
}

func same[T any](v T) T { return v }

// Buckets returns the declared buckets in declaration order.
func (g *Graph) Buckets() []Bucket { return collect(g, KindBucket, g.buckets, same[Bucket]) }

// Tables returns the declared tables in declaration order.
func (g *Graph) Tables() []Table { return collect(g, KindTable, g.tables, same[Table]) }

// Handlers returns the declared handlers in declaration order.
func (g *Graph) Handlers() []Handler { return collect(g, KindHandler, g.handlers, Handler.clone) }

// APIs returns the declared APIs in declaration order.
func (g *Graph) APIs() []API { return collect(g, KindAPI, g.apis, API.clone) }

// Bucket returns the bucket with the given ID.
func (g *Graph) Bucket(id string) (Bucket, bool) {
	b, ok := g.buckets[id]
	return b, ok
}

// Table returns the table with the given ID.
func (g *Graph) Table(id string) (Table, bool) {
	t, ok := g.tables[id]
	return t, ok
}

// Handler returns the handler with the given ID.
func (g *Graph) Handler(id string) (Handler, bool) {
	h, ok := g.handlers[id]
	return h.clone(), ok
}

// API returns the API with the given ID.
func (g *Graph) API(id string) (API, bool) {
	a, ok := g.apis[id]
	return a.clone(), ok
}

// Grants returns the grants in the order they were made.
func (g *Graph) Grants() []Grant { return slices.Clone(g.grants) }

// Triggers returns the event triggers in the order they were attached.
func (g *Graph) Triggers() []Trigger { return slices.Clone(g.triggers) }

// Policies returns the raw policy attachments in the order they were made.
func (g *Graph) Policies() []Policy {
	out := make([]Policy, len(g.policies))
	for i, p := range g.policies {
		out[i] = p.clone()
	}
	return out
}

// Warnings returns the findings recorded while the graph was built.
func (g *Graph) Warnings() []string { return slices.Clone(g.warnings) }

// AccessLevel returns the combined level of every grant from principal to
// target, or "" when there is none.
func (g *Graph) AccessLevel(principal, target string) AccessLevel {
	return g.levels[edge{from: principal, to: target}]
}

// Routes returns every route of every API, each paired with its API ID.
func (g *Graph) Routes() map[string][]Route {
	out := make(map[string][]Route, len(g.apis))
	for id, api := range g.apis {
		out[id] = api.clone().Routes
	}
	return out
}

// RoutesTo returns the routes bound to the handler across all APIs.
func (g *Graph) RoutesTo(handler string) []Route {
	var out []Route
	for _, api := range g.APIs() {
		for _, r := range api.Routes {
			if r.Handler == handler {
				out = append(out, r)
			}
		}
	}
	return out
}

// Permissions returns the statements of the handler's role: one per grant
// target, followed by one per attached policy.
func (g *Graph) Permissions(handler string) []Permission {
	var out []Permission
	seen := make(map[string]bool)
	for _, gr := range g.grants {
		if gr.Principal != handler || seen[gr.Target] {
			continue
		}
		seen[gr.Target] = true
		out = append(out, Permission{
			Actions:    GrantActions(gr.TargetKind, g.AccessLevel(handler, gr.Target)),
			Target:     gr.Target,
			TargetKind: gr.TargetKind,
		})
	}
	for _, p := range g.policies {
		if p.Principal != handler {
			continue
		}
		out = append(out, Permission{
			Actions:   slices.Clone(p.Actions),
			Resources: slices.Clone(p.Resources),
			Wildcard:  p.Wildcard,
		})
	}
	return out
}
