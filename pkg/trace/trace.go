// Package trace defines the protocol a collectible payload uses to report the
// handles it owns.
//
// A payload reports each owned handle to a Visitor. The collectors reuse one
// Trace implementation for every phase they run (releasing children, marking,
// restoring, sweeping) by substituting the visitor, so payload code never knows
// which phase is active.
//
// Handles held through anything other than the collector's handle types (raw
// pointers, maps of copies, foreign ownership) are invisible to the collector
// and must not be reported.
package trace

import "errors"

// Edge is an owned, possibly dead, handle as seen by a visitor. Both handle
// types (*unsync.Gc[T] and *shared.Gc[T]) are edges; a visitor ignores edges
// that belong to a domain it does not manage.
type Edge interface {
	IsDead() bool
}

// Visitor receives every edge a payload owns. Returning an error stops the
// walk and is propagated out of Trace unchanged.
type Visitor interface {
	Visit(e Edge) error
}

// Trace is implemented by collectible payloads, on their pointer type.
// Trace must call v.Visit once per owned handle and return the first error it
// gets back. A payload that owns no handles does not need to implement Trace.
type Trace interface {
	Trace(v Visitor) error
}

// Finalizer is implemented by payloads that need cleanup when their
// allocation is freed. Finalize runs exactly once, before the payload's
// children are released. Handles in the payload are still live while it runs;
// handles into the same garbage cycle point at valid but doomed payloads.
type Finalizer interface {
	Finalize()
}

// VisitorFunc adapts a function to the Visitor interface.
type VisitorFunc func(e Edge) error

// Visit calls f(e).
func (f VisitorFunc) Visit(e Edge) error {
	return f(e)
}

// ErrStop can be returned by a visitor to end a walk early. Collectors treat
// it like any other trace failure.
var ErrStop = errors.New("trace: stop")

// Payload returns the Trace implementation of a payload pointer, or nil when
// the payload is a leaf.
func Payload(ptr any) Trace {
	if t, ok := ptr.(Trace); ok {
		return t
	}
	return nil
}

// Fields traces each field in order and stops at the first error.
func Fields(v Visitor, fields ...Trace) error {
	for _, f := range fields {
		if f == nil {
			continue
		}
		if err := f.Trace(v); err != nil {
			return err
		}
	}
	return nil
}

// Each traces every element of a slice in place. Elements are visited through
// their address so visitors can rewrite them.
func Each[E any, P interface {
	*E
	Trace
}](v Visitor, elems []E) error {
	for i := range elems {
		if err := P(&elems[i]).Trace(v); err != nil {
			return err
		}
	}
	return nil
}

// Ignore is embedded in a struct to opt the whole container out of tracing.
// The container gets a no-op Trace method and none of its field types need to
// implement Trace.
type Ignore struct{}

// Trace reports nothing.
func (Ignore) Trace(Visitor) error { return nil }

// Count returns how many live edges a payload reports.
func Count(t Trace) (int, error) {
	if t == nil {
		return 0, nil
	}
	n := 0
	err := t.Trace(VisitorFunc(func(e Edge) error {
		if !e.IsDead() {
			n++
		}
		return nil
	}))
	return n, err
}
