package stack

import (
	"strings"
	"time"
	"unicode"
)

// Kind classifies an entity in the graph.
type Kind string

const (
	KindBucket  Kind = "bucket"
	KindHandler Kind = "handler"
	KindTable   Kind = "table"
	KindAPI     Kind = "api"
)

// RemovalPolicy is the disposition of a resource's data when its declaration
// is removed from the stack.
type RemovalPolicy string

const (
	RemovalDestroy RemovalPolicy = "destroy"
	RemovalRetain  RemovalPolicy = "retain"
)

// BillingMode is the capacity model of a table.
type BillingMode string

const (
	BillingOnDemand    BillingMode = "on-demand"
	BillingProvisioned BillingMode = "provisioned"
)

// AttributeType is the scalar type of a key attribute.
type AttributeType string

const (
	AttributeString AttributeType = "S"
	AttributeNumber AttributeType = "N"
	AttributeBinary AttributeType = "B"
)

// AccessLevel is the permission level of a grant.
type AccessLevel string

const (
	AccessRead      AccessLevel = "read"
	AccessWrite     AccessLevel = "write"
	AccessReadWrite AccessLevel = "read-write"
)

// CanRead reports whether the level includes read access.
func (l AccessLevel) CanRead() bool { return l == AccessRead || l == AccessReadWrite }

// CanWrite reports whether the level includes write access.
func (l AccessLevel) CanWrite() bool { return l == AccessWrite || l == AccessReadWrite }

// Covers reports whether l grants at least everything other grants.
func (l AccessLevel) Covers(other AccessLevel) bool {
	return (!other.CanRead() || l.CanRead()) && (!other.CanWrite() || l.CanWrite())
}

func (l AccessLevel) valid() bool {
	return l == AccessRead || l == AccessWrite || l == AccessReadWrite
}

// union returns the smallest level covering both a and b. The empty level
// covers nothing.
func union(a, b AccessLevel) AccessLevel {
	read := a.CanRead() || b.CanRead()
	write := a.CanWrite() || b.CanWrite()
	switch {
	case read && write:
		return AccessReadWrite
	case write:
		return AccessWrite
	case read:
		return AccessRead
	}
	return ""
}

// EventKind is a bucket event that can invoke a handler.
type EventKind string

const (
	EventObjectCreated EventKind = "object-created"
	EventObjectRemoved EventKind = "object-removed"
)

// S3Event returns the S3 notification event name for the kind.
func (e EventKind) S3Event() string {
	switch e {
	case EventObjectCreated:
		return "s3:ObjectCreated:*"
	case EventObjectRemoved:
		return "s3:ObjectRemoved:*"
	}
	return ""
}

// Runtime is a Lambda execution runtime identifier.
type Runtime string

const (
	RuntimePython38      Runtime = "python3.8"
	RuntimePython39      Runtime = "python3.9"
	RuntimePython310     Runtime = "python3.10"
	RuntimePython311     Runtime = "python3.11"
	RuntimePython312     Runtime = "python3.12"
	RuntimePython313     Runtime = "python3.13"
	RuntimeNodeJS16      Runtime = "nodejs16.x"
	RuntimeNodeJS20      Runtime = "nodejs20.x"
	RuntimeNodeJS22      Runtime = "nodejs22.x"
	RuntimeProvidedAL2   Runtime = "provided.al2"
	RuntimeProvidedAL223 Runtime = "provided.al2023"
)

var runtimes = map[Runtime]struct{ deprecated bool }{
	RuntimePython38:      {deprecated: true},
	RuntimePython39:      {},
	RuntimePython310:     {},
	RuntimePython311:     {},
	RuntimePython312:     {},
	RuntimePython313:     {},
	RuntimeNodeJS16:      {deprecated: true},
	RuntimeNodeJS20:      {},
	RuntimeNodeJS22:      {},
	RuntimeProvidedAL2:   {},
	RuntimeProvidedAL223: {},
}

// Known reports whether r is a runtime this package can declare.
func (r Runtime) Known() bool {
	_, ok := runtimes[r]
	return ok
}

// Deprecated reports whether the platform has deprecated r.
func (r Runtime) Deprecated() bool {
	return runtimes[r].deprecated
}

// Interpreted reports whether r loads its entry point as "module.function".
func (r Runtime) Interpreted() bool {
	return strings.HasPrefix(string(r), "python") || strings.HasPrefix(string(r), "nodejs")
}

// SupportsEntryPoint reports whether the runtime can load entry. Custom
// runtimes always start the "bootstrap" executable.
func (r Runtime) SupportsEntryPoint(entry string) bool {
	if entry == "" {
		return false
	}
	if !r.Interpreted() {
		return entry == "bootstrap"
	}
	i := strings.LastIndex(entry, ".")
	return i > 0 && i < len(entry)-1 && !strings.ContainsAny(entry, " /")
}

// MaxTimeout is the platform's hard limit on handler execution time.
const MaxTimeout = 900 * time.Second

// DefaultTimeout is applied to handlers declared without a timeout.
const DefaultTimeout = 20 * time.Second

// DefaultMemoryMB is applied to handlers declared without a memory size.
const DefaultMemoryMB = 128

// Attribute is a named, typed key attribute.
type Attribute struct {
	Name string
	Type AttributeType
}

// EnvValue is a handler environment value: either a literal, or the physical
// name of another entity resolved by the provisioning engine.
type EnvValue struct {
	Literal string
	Source  string
}

// Literal returns a literal environment value.
func Literal(s string) EnvValue { return EnvValue{Literal: s} }

// NameOf returns an environment value resolving to the target's physical name.
func NameOf(t Target) EnvValue { return EnvValue{Source: t.ID()} }

// IsRef reports whether the value references another entity.
func (v EnvValue) IsRef() bool { return v.Source != "" }

// Bucket is an object-storage bucket.
type Bucket struct {
	ID            string
	RemovalPolicy RemovalPolicy
	AutoPurge     bool
	// NamePrefix derives the physical name <prefix>-<account>-<region>.
	NamePrefix string
}

// Purges reports whether the bucket is emptied before deletion. Auto-purge
// only applies to buckets destroyed with the stack.
func (b Bucket) Purges() bool { return b.AutoPurge && b.RemovalPolicy == RemovalDestroy }

// Handler is a serverless request handler.
type Handler struct {
	ID         string
	EntryPoint string
	Runtime    Runtime
	Timeout    time.Duration
	MemoryMB   int
	CodePath   string
	Layers     []string
	Env        map[string]EnvValue
}

// Table is a key-value table.
type Table struct {
	ID            string
	PartitionKey  Attribute
	BillingMode   BillingMode
	RemovalPolicy RemovalPolicy
	ReadCapacity  int
	WriteCapacity int
}

// Route binds an HTTP path and method to a handler.
type Route struct {
	Path             string
	Method           string
	Handler          string
	RequestTemplates map[string]string
}

// API is an HTTP endpoint.
type API struct {
	ID          string
	Description string
	StageName   string
	Routes      []Route
}

// Grant lets a handler access a bucket or table.
type Grant struct {
	Principal  string
	Target     string
	TargetKind Kind
	Level      AccessLevel
}

// Trigger invokes a handler on a bucket event.
type Trigger struct {
	Bucket  string
	Event   EventKind
	Handler string
}

// Policy is a raw permission statement attached to a handler's role.
type Policy struct {
	Principal string
	Actions   []string
	Resources []string
	Wildcard  bool
}

// RouteName converts a route path to a logical ID fragment. The root path
// is named "Root".
func RouteName(path string) string {
	if path == "" {
		return "Root"
	}
	return LogicalID(path)
}

// LogicalID converts an entity ID such as "handler-function-resizeImg" into
// an alphanumeric template logical ID ("HandlerFunctionResizeImg").
func LogicalID(id string) string {
	var sb strings.Builder
	upper := true
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			sb.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
