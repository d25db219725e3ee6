package stack

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Options configures a Builder.
type Options struct {
	// Logger receives declaration events; nil discards them.
	Logger *slog.Logger
	// AllowWildcardPolicies permits AttachPolicy calls with "*" actions or
	// resources. Allowed wildcards are logged and recorded as graph warnings.
	AllowWildcardPolicies bool
}

// HandlerSpec describes a handler to declare.
type HandlerSpec struct {
	EntryPoint string
	Runtime    Runtime
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// MemoryMB defaults to DefaultMemoryMB.
	MemoryMB int
	CodePath string
	Layers   []string
	Env      map[string]EnvValue
}

// RouteSpec binds a path and method to a handler.
type RouteSpec struct {
	Path             string
	Method           string
	Handler          HandlerRef
	RequestTemplates map[string]string
}

// APISpec describes an API to declare.
type APISpec struct {
	Description string
	// StageName defaults to "prod".
	StageName string
	Routes    []RouteSpec
}

// DefaultStageName is the stage an API is deployed to when none is given.
const DefaultStageName = "prod"

// DefaultCapacity is the read and write capacity of provisioned tables.
const DefaultCapacity = 5

// TableOption customizes a table declaration.
type TableOption func(*Table)

// WithCapacity sets the provisioned read and write capacity of a table.
func WithCapacity(read, write int) TableOption {
	return func(t *Table) {
		t.ReadCapacity = read
		t.WriteCapacity = write
	}
}

// BucketOption customizes a bucket declaration.
type BucketOption func(*Bucket)

// WithNamePrefix sets the prefix of the bucket's physical name.
func WithNamePrefix(prefix string) BucketOption {
	return func(b *Bucket) { b.NamePrefix = prefix }
}

var httpMethods = sets.New("GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "ANY")

type edge struct {
	from, to string
}

// Builder accumulates declarations and produces an immutable Graph.
//
// Builder never panics on bad input. Each failing call records an error and
// returns a zero reference; Build reports every recorded error.
type Builder struct {
	log           *slog.Logger
	allowWildcard bool

	kinds    map[string]Kind
	logical  map[string]string
	declared []string

	buckets  map[string]Bucket
	handlers map[string]Handler
	tables   map[string]Table
	apis     map[string]API

	grants      []Grant
	grantKeys   sets.Set[Grant]
	levels      map[edge]AccessLevel
	triggers    []Trigger
	triggerKeys sets.Set[string]
	policies    []Policy

	warnings []string
	errs     []error
}

// NewBuilder returns an empty Builder.
func NewBuilder(opts Options) *Builder {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		log:           log,
		allowWildcard: opts.AllowWildcardPolicies,
		kinds:         make(map[string]Kind),
		logical:       make(map[string]string),
		buckets:       make(map[string]Bucket),
		handlers:      make(map[string]Handler),
		tables:        make(map[string]Table),
		apis:          make(map[string]API),
		grantKeys:     sets.New[Grant](),
		levels:        make(map[edge]AccessLevel),
		triggerKeys:   sets.New[string](),
	}
}

func (b *Builder) fail(err error) {
	b.log.Debug("declaration rejected", "error", err)
	b.errs = append(b.errs, err)
}

func (b *Builder) claim(id string, kind Kind) bool {
	if id == "" {
		b.fail(fmt.Errorf("%w: %s with empty id", ErrInvalidEntity, kind))
		return false
	}
	if existing, ok := b.kinds[id]; ok {
		b.fail(fmt.Errorf("%w: %q already declared as %s", ErrDuplicateID, id, existing))
		return false
	}
	logical := LogicalID(id)
	if logical == "" {
		b.fail(fmt.Errorf("%w: %s %q has no alphanumeric characters", ErrInvalidEntity, kind, id))
		return false
	}
	if other, ok := b.logical[logical]; ok {
		b.fail(fmt.Errorf("%w: %q and %q both map to %s", ErrDuplicateID, id, other, logical))
		return false
	}
	b.kinds[id] = kind
	b.logical[logical] = id
	b.declared = append(b.declared, id)
	return true
}

func (b *Builder) exists(id string, kind Kind) bool {
	return id != "" && b.kinds[id] == kind
}

func (b *Builder) unknown(kind Kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrUnknownRef, kind, id)
}

// DeclareTable declares a key-value table.
func (b *Builder) DeclareTable(id string, key Attribute, billing BillingMode, removal RemovalPolicy, opts ...TableOption) TableRef {
	t := Table{
		ID:            id,
		PartitionKey:  key,
		BillingMode:   billing,
		RemovalPolicy: removal,
	}
	if billing == BillingProvisioned {
		t.ReadCapacity, t.WriteCapacity = DefaultCapacity, DefaultCapacity
	}
	for _, opt := range opts {
		opt(&t)
	}

	var problems []string
	if key.Name == "" {
		problems = append(problems, "partition key has no name")
	}
	switch key.Type {
	case AttributeString, AttributeNumber, AttributeBinary:
	default:
		problems = append(problems, fmt.Sprintf("partition key type %q", key.Type))
	}
	switch billing {
	case BillingOnDemand:
	case BillingProvisioned:
		if t.ReadCapacity <= 0 || t.WriteCapacity <= 0 {
			problems = append(problems, "provisioned capacity must be positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("billing mode %q", billing))
	}
	if removal != RemovalDestroy && removal != RemovalRetain {
		problems = append(problems, fmt.Sprintf("removal policy %q", removal))
	}
	if len(problems) > 0 {
		b.fail(fmt.Errorf("%w: table %q: %s", ErrInvalidEntity, id, strings.Join(problems, "; ")))
		return TableRef{}
	}
	if !b.claim(id, KindTable) {
		return TableRef{}
	}
	b.tables[id] = t
	b.log.Debug("declared table", "id", id, "billing", billing)
	return TableRef{id: id}
}

// DeclareBucket declares a storage bucket. A bucket destroyed with the stack
// must be emptied first, so destroy requires autoPurge.
func (b *Builder) DeclareBucket(id string, removal RemovalPolicy, autoPurge bool, opts ...BucketOption) BucketRef {
	bk := Bucket{
		ID:            id,
		RemovalPolicy: removal,
		AutoPurge:     autoPurge,
		NamePrefix:    id,
	}
	for _, opt := range opts {
		opt(&bk)
	}

	switch removal {
	case RemovalDestroy:
		if !autoPurge {
			b.fail(fmt.Errorf("%w: bucket %q", ErrPurgeRequired, id))
			return BucketRef{}
		}
	case RemovalRetain:
	default:
		b.fail(fmt.Errorf("%w: bucket %q: removal policy %q", ErrInvalidEntity, id, removal))
		return BucketRef{}
	}
	if !b.claim(id, KindBucket) {
		return BucketRef{}
	}
	b.buckets[id] = bk
	b.log.Debug("declared bucket", "id", id, "removal", removal, "auto_purge", autoPurge)
	return BucketRef{id: id}
}

// DeclareHandler declares a request handler. Environment references must
// point at entities declared earlier.
func (b *Builder) DeclareHandler(id string, spec HandlerSpec) HandlerRef {
	h := Handler{
		ID:         id,
		EntryPoint: spec.EntryPoint,
		Runtime:    spec.Runtime,
		Timeout:    spec.Timeout,
		MemoryMB:   spec.MemoryMB,
		CodePath:   spec.CodePath,
		Layers:     uniqueInOrder(spec.Layers),
		Env:        maps.Clone(spec.Env),
	}
	if h.Timeout == 0 {
		h.Timeout = DefaultTimeout
	}
	if h.MemoryMB == 0 {
		h.MemoryMB = DefaultMemoryMB
	}
	if h.Env == nil {
		h.Env = map[string]EnvValue{}
	}

	var errs []error
	if !h.Runtime.Known() {
		errs = append(errs, fmt.Errorf("%w: handler %q: unknown runtime %q", ErrInvalidHandler, id, h.Runtime))
	} else if !h.Runtime.SupportsEntryPoint(h.EntryPoint) {
		errs = append(errs, fmt.Errorf("%w: handler %q: entry point %q incompatible with %s", ErrInvalidHandler, id, h.EntryPoint, h.Runtime))
	}
	if h.Timeout < time.Second || h.Timeout > MaxTimeout {
		errs = append(errs, fmt.Errorf("%w: handler %q: timeout %s outside [1s, %s]", ErrInvalidHandler, id, h.Timeout, MaxTimeout))
	} else if h.Timeout%time.Second != 0 {
		errs = append(errs, fmt.Errorf("%w: handler %q: timeout %s is not whole seconds", ErrInvalidHandler, id, h.Timeout))
	}
	if h.MemoryMB < 128 || h.MemoryMB > 10240 {
		errs = append(errs, fmt.Errorf("%w: handler %q: memory %d MB outside [128, 10240]", ErrInvalidHandler, id, h.MemoryMB))
	}
	for _, key := range slices.Sorted(maps.Keys(h.Env)) {
		v := h.Env[key]
		if key == "" {
			errs = append(errs, fmt.Errorf("%w: handler %q: empty environment key", ErrInvalidHandler, id))
			continue
		}
		if v.IsRef() && !b.exists(v.Source, KindTable) && !b.exists(v.Source, KindBucket) {
			errs = append(errs, fmt.Errorf("%w: handler %q env %s: %q", ErrUnknownRef, id, key, v.Source))
		}
	}
	if len(errs) > 0 {
		for _, err := range errs {
			b.fail(err)
		}
		return HandlerRef{}
	}
	if !b.claim(id, KindHandler) {
		return HandlerRef{}
	}
	b.handlers[id] = h
	b.log.Debug("declared handler", "id", id, "runtime", h.Runtime, "timeout", h.Timeout)
	return HandlerRef{id: id}
}

// uniqueInOrder drops repeated values, keeping the first occurrence. Layer
// order matters: later layers override earlier ones.
func uniqueInOrder(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := sets.New[string]()
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen.Has(v) {
			continue
		}
		seen.Insert(v)
		out = append(out, v)
	}
	return out
}

// Grant lets principal access target at level. Repeating a grant is a no-op.
func (b *Builder) Grant(principal HandlerRef, target Target, level AccessLevel) {
	if target == nil {
		b.fail(fmt.Errorf("%w: grant with nil target", ErrUnknownRef))
		return
	}
	ok := true
	if !b.exists(principal.ID(), KindHandler) {
		b.fail(b.unknown(KindHandler, principal.ID()))
		ok = false
	}
	if !b.exists(target.ID(), target.Kind()) {
		b.fail(b.unknown(target.Kind(), target.ID()))
		ok = false
	}
	if !level.valid() {
		b.fail(fmt.Errorf("%w: grant level %q", ErrInvalidEntity, level))
		ok = false
	}
	if !ok {
		return
	}

	g := Grant{Principal: principal.ID(), Target: target.ID(), TargetKind: target.Kind(), Level: level}
	if b.grantKeys.Has(g) {
		return
	}
	b.grantKeys.Insert(g)
	b.grants = append(b.grants, g)
	e := edge{from: g.Principal, to: g.Target}
	b.levels[e] = union(b.levels[e], level)
	b.log.Debug("granted", "principal", g.Principal, "target", g.Target, "level", level)
}

// AttachTrigger invokes destination on event in bucket. The destination must
// already hold a read-write grant on the bucket, and each (bucket, event)
// pair has at most one destination.
func (b *Builder) AttachTrigger(bucket BucketRef, event EventKind, destination HandlerRef) {
	ok := true
	if !b.exists(bucket.ID(), KindBucket) {
		b.fail(b.unknown(KindBucket, bucket.ID()))
		ok = false
	}
	if !b.exists(destination.ID(), KindHandler) {
		b.fail(b.unknown(KindHandler, destination.ID()))
		ok = false
	}
	if event.S3Event() == "" {
		b.fail(fmt.Errorf("%w: event kind %q", ErrInvalidEntity, event))
		ok = false
	}
	if !ok {
		return
	}

	key := bucket.ID() + "/" + string(event)
	if b.triggerKeys.Has(key) {
		b.fail(fmt.Errorf("%w: bucket %q already routes %s", ErrDuplicateTrigger, bucket.ID(), event))
		return
	}
	if !b.levels[edge{from: destination.ID(), to: bucket.ID()}].Covers(AccessReadWrite) {
		b.fail(fmt.Errorf("%w: %q on %q", ErrMissingGrant, destination.ID(), bucket.ID()))
		return
	}
	b.triggerKeys.Insert(key)
	b.triggers = append(b.triggers, Trigger{Bucket: bucket.ID(), Event: event, Handler: destination.ID()})
	b.log.Debug("attached trigger", "bucket", bucket.ID(), "event", event, "handler", destination.ID())
}

// DeclareAPI declares an HTTP endpoint. Paths are stored without leading or
// trailing slashes and methods in upper case; (path, method) pairs are unique.
func (b *Builder) DeclareAPI(id string, spec APISpec) APIRef {
	api := API{
		ID:          id,
		Description: spec.Description,
		StageName:   spec.StageName,
	}
	if api.StageName == "" {
		api.StageName = DefaultStageName
	}

	ok := true
	seen := sets.New[string]()
	names := map[string]string{}
	for _, rs := range spec.Routes {
		r := Route{
			Path:             strings.Trim(rs.Path, "/"),
			Method:           strings.ToUpper(rs.Method),
			Handler:          rs.Handler.ID(),
			RequestTemplates: maps.Clone(rs.RequestTemplates),
		}
		if !httpMethods.Has(r.Method) {
			b.fail(fmt.Errorf("%w: api %q: method %q", ErrInvalidEntity, id, rs.Method))
			ok = false
			continue
		}
		if !b.exists(r.Handler, KindHandler) {
			b.fail(b.unknown(KindHandler, r.Handler))
			ok = false
			continue
		}
		key := r.Method + " /" + r.Path
		if seen.Has(key) {
			b.fail(fmt.Errorf("%w: api %q: %s", ErrDuplicateRoute, id, key))
			ok = false
			continue
		}
		if prefix, other, clash := routeNameClash(names, r.Path); clash {
			b.fail(fmt.Errorf("%w: api %q: paths %q and %q both map to %s", ErrDuplicateRoute, id, prefix, other, RouteName(prefix)))
			ok = false
			continue
		}
		seen.Insert(key)
		api.Routes = append(api.Routes, r)
	}
	if !ok || !b.claim(id, KindAPI) {
		return APIRef{}
	}
	b.apis[id] = api
	b.log.Debug("declared api", "id", id, "routes", len(api.Routes))
	return APIRef{id: id}
}

// routeNameClash records the name of every prefix of path in names and
// reports the first prefix whose name another path already holds.
func routeNameClash(names map[string]string, path string) (prefix, other string, clash bool) {
	prefixes := []string{""}
	if path != "" {
		segments := strings.Split(path, "/")
		prefixes = prefixes[:0]
		for i := range segments {
			prefixes = append(prefixes, strings.Join(segments[:i+1], "/"))
		}
	}
	for _, p := range prefixes {
		name := RouteName(p)
		if held, ok := names[name]; ok && held != p {
			return p, held, true
		}
	}
	for _, p := range prefixes {
		names[RouteName(p)] = p
	}
	return "", "", false
}

// isWildcardAction reports whether action is "*" or a whole-service glob
// such as "s3:*".
func isWildcardAction(action string) bool {
	return action == "*" || strings.HasSuffix(action, ":*")
}

// AttachPolicy attaches a raw permission statement to principal's role.
func (b *Builder) AttachPolicy(principal HandlerRef, actions, resources []string) {
	if !b.exists(principal.ID(), KindHandler) {
		b.fail(b.unknown(KindHandler, principal.ID()))
		return
	}
	if len(actions) == 0 || len(resources) == 0 {
		b.fail(fmt.Errorf("%w: %q: policy needs actions and resources", ErrInvalidPolicy, principal.ID()))
		return
	}

	p := Policy{
		Principal: principal.ID(),
		Actions:   sets.List(sets.New(actions...)),
		Resources: sets.List(sets.New(resources...)),
	}
	p.Wildcard = slices.ContainsFunc(p.Actions, isWildcardAction) || slices.Contains(p.Resources, "*")

	if p.Wildcard {
		if !b.allowWildcard {
			b.fail(fmt.Errorf("%w: %q: %s on %s", ErrWildcardPolicy, p.Principal,
				strings.Join(p.Actions, ","), strings.Join(p.Resources, ",")))
			return
		}
		msg := fmt.Sprintf("handler %q has wildcard policy %s on %s",
			p.Principal, strings.Join(p.Actions, ","), strings.Join(p.Resources, ","))
		b.warnings = append(b.warnings, msg)
		b.log.Warn("wildcard policy attached", "handler", p.Principal, "actions", p.Actions, "resources", p.Resources)
	}
	b.policies = append(b.policies, p)
}

// Build returns the immutable graph, or every recorded error joined.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	deps := make(map[string][]string, len(b.declared))
	add := func(from, to string) {
		if !slices.Contains(deps[from], to) {
			deps[from] = append(deps[from], to)
		}
	}
	for _, id := range b.declared {
		if h, ok := b.handlers[id]; ok {
			for _, key := range slices.Sorted(maps.Keys(h.Env)) {
				if v := h.Env[key]; v.IsRef() {
					add(id, v.Source)
				}
			}
		}
	}
	for _, g := range b.grants {
		add(g.Principal, g.Target)
	}
	for _, id := range b.declared {
		if api, ok := b.apis[id]; ok {
			for _, r := range api.Routes {
				add(id, r.Handler)
			}
		}
	}

	order, err := SortDependencies(b.declared, deps)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		declared: slices.Clone(b.declared),
		order:    order,
		kinds:    maps.Clone(b.kinds),
		deps:     deps,
		buckets:  maps.Clone(b.buckets),
		tables:   maps.Clone(b.tables),
		handlers: make(map[string]Handler, len(b.handlers)),
		apis:     make(map[string]API, len(b.apis)),
		grants:   slices.Clone(b.grants),
		levels:   maps.Clone(b.levels),
		triggers: slices.Clone(b.triggers),
		policies: make([]Policy, len(b.policies)),
		warnings: slices.Clone(b.warnings),
	}
	for id, h := range b.handlers {
		g.handlers[id] = h.clone()
	}
	for id, api := range b.apis {
		g.apis[id] = api.clone()
	}
	for i, p := range b.policies {
		g.policies[i] = p.clone()
	}
	b.log.Info("graph built",
		"entities", len(order),
		"grants", len(g.grants),
		"triggers", len(g.triggers),
		"warnings", len(g.warnings))
	return g, nil
}
