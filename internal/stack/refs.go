package stack

// Target is an entity a handler can be granted access to, or whose physical
// name can be passed to a handler's environment.
type Target interface {
	ID() string
	Kind() Kind
	target()
}

// BucketRef refers to a declared bucket.
type BucketRef struct{ id string }

func (r BucketRef) ID() string { return r.id }
func (BucketRef) Kind() Kind   { return KindBucket }
func (BucketRef) target()      {}

// TableRef refers to a declared table.
type TableRef struct{ id string }

func (r TableRef) ID() string { return r.id }
func (TableRef) Kind() Kind   { return KindTable }
func (TableRef) target()      {}

// HandlerRef refers to a declared handler.
type HandlerRef struct{ id string }

func (r HandlerRef) ID() string { return r.id }
func (HandlerRef) Kind() Kind   { return KindHandler }

// APIRef refers to a declared API.
type APIRef struct{ id string }

func (r APIRef) ID() string { return r.id }
func (APIRef) Kind() Kind   { return KindAPI }
