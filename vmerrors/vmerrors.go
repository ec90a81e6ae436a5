// Package vmerrors defines the error taxonomy shared by every vmcore
// component. Callers distinguish kinds with errors.As, never by string
// matching.
package vmerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ParseError is returned by the query parser for syntactically invalid
// PromQL/MetricsQL text. Offset is a byte offset into Query.
type ParseError struct {
	Query  string
	Offset int
	Line   int
	Col    int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Col, e.Msg)
}

// SelectorError is returned when a selector has no matcher that excludes
// the empty string, which PromQL forbids (it would otherwise require a
// full index scan), or when it has neither an equality matcher nor a
// __name__ matcher to anchor the lookup.
type SelectorError struct {
	Selector string
	Reason   string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("invalid selector %q: %s", e.Selector, e.Reason)
}

// NotFound is returned when a key or series id has no corresponding
// entry in the registry.
type NotFound struct {
	Kind string // "series", "key", ...
	What string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.What)
}

// OutOfOrder is returned when an appended sample violates chunk or
// series ordering invariants.
type OutOfOrder struct {
	SeriesID  uint64
	Timestamp int64
	MaxSeen   int64
}

func (e *OutOfOrder) Error() string {
	return fmt.Sprintf("out of order sample: series=%d ts=%d max_seen=%d", e.SeriesID, e.Timestamp, e.MaxSeen)
}

// VectorMatchingError is returned when a binary operation's matching
// cardinality rules are violated.
type VectorMatchingError struct {
	Op     string
	Reason string
}

func (e *VectorMatchingError) Error() string {
	return fmt.Sprintf("vector matching error in %q: %s", e.Op, e.Reason)
}

// QueryCanceled is returned when a query's cancellation token fires
// before evaluation completes.
type QueryCanceled struct {
	QueryID uint64
}

func (e *QueryCanceled) Error() string {
	return fmt.Sprintf("query %d canceled", e.QueryID)
}

// QueryDeadline is returned when a query's wall-clock deadline elapses
// before evaluation completes.
type QueryDeadline struct {
	QueryID  uint64
	Deadline string
}

func (e *QueryDeadline) Error() string {
	return fmt.Sprintf("query %d exceeded deadline %s", e.QueryID, e.Deadline)
}

// QueryExhausted is returned when a query exceeds its max-samples
// quota.
type QueryExhausted struct {
	QueryID    uint64
	MaxSamples int64
}

func (e *QueryExhausted) Error() string {
	return fmt.Sprintf("query %d exhausted max samples quota (%d)", e.QueryID, e.MaxSamples)
}

// Busy reports backpressure. No vmcore component returns it: the
// rollup cache's single-flight waiter set for a fingerprint is
// unbounded.
type Busy struct {
	Reason string
}

func (e *Busy) Error() string {
	return fmt.Sprintf("busy: %s", e.Reason)
}

// Internal marks an invariant violation. The command fails but the
// process is not considered corrupted.
type Internal struct {
	Context string
	Cause   error
}

func (e *Internal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error (%s): %v", e.Context, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Context)
}

func (e *Internal) Unwrap() error { return e.Cause }

// Wrapf annotates err with additional context while preserving the
// ability to errors.As into the underlying taxonomy type.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// NewInternal builds an Internal error from a recovered panic value,
// used at command boundaries (see engine.Engine.Query).
func NewInternal(context string, recovered interface{}) *Internal {
	var cause error
	switch v := recovered.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("%v", v)
	}
	return &Internal{Context: context, Cause: cause}
}
