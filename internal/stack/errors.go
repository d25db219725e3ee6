package stack

import "errors"

// Construction errors recorded by the Builder. Build joins them, so callers
// can test for each with errors.Is.
var (
	ErrDuplicateID      = errors.New("duplicate entity id")
	ErrUnknownRef       = errors.New("unknown reference")
	ErrMissingGrant     = errors.New("trigger destination lacks read-write grant on source bucket")
	ErrDuplicateRoute   = errors.New("duplicate route")
	ErrDuplicateTrigger = errors.New("duplicate trigger")
	ErrPurgeRequired    = errors.New("destroy removal policy requires auto-purge")
	ErrWildcardPolicy   = errors.New("wildcard policy not allowed")
	ErrInvalidHandler   = errors.New("invalid handler")
	ErrInvalidPolicy    = errors.New("invalid policy")
	ErrInvalidEntity    = errors.New("invalid entity")
	ErrCycle            = errors.New("circular dependency detected")
)
