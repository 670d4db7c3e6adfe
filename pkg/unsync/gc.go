// Package unsync provides a reference-counted handle with cycle collection for
// values used from a single goroutine.
//
// Every allocation belongs to a Collector. Counts are plain integers and the
// buffered-root set is a map owned by the collector, so neither the handles
// nor the collector may be used from more than one goroutine at a time. Use
// package shared for values that cross goroutines.
//
// A Gc is an owning value: copying the struct does not add a reference. Move
// a handle by assigning it and never touching the source again (or with
// Take), share it with Clone, and give it up with Drop.
package unsync

import (
	"cyclegc/pkg/trace"
)

// Gc is an owning handle to a value of type T. The zero value is a dead
// handle.
type Gc[T any] struct {
	ptr  *box[T]
	meta trace.Meta
}

// New allocates value in collector c and returns the only handle to it.
func New[T any](c *Collector, value T) Gc[T] {
	b := &box[T]{col: c, value: value}
	b.strong = 1
	c.stats.ObjectsCreated++
	c.stats.IncRefs++
	c.recordAlloc()
	return Gc[T]{ptr: b}
}

// Dead returns a dead handle. For a T whose size is fixed by its type no
// metadata is needed.
func Dead[T any]() Gc[T] {
	return Gc[T]{}
}

// DeadWith returns a dead handle carrying explicit metadata, for payload
// types whose length or concrete type is only known per value.
func DeadWith[T any](meta trace.Meta) Gc[T] {
	return Gc[T]{meta: meta}
}

// IsDead reports whether g refers to no allocation.
func (g *Gc[T]) IsDead() bool {
	return g.ptr == nil
}

// IsSome reports whether g is live.
func (g *Gc[T]) IsSome() bool {
	return g.ptr != nil
}

// IsNone reports whether g is dead.
func (g *Gc[T]) IsNone() bool {
	return g.ptr == nil
}

// Get returns a pointer to the payload, or nil for a dead handle. The pointer
// must not be kept after the last handle is dropped.
func (g *Gc[T]) Get() *T {
	if g.ptr == nil {
		return nil
	}
	return &g.ptr.value
}

// Clone returns a new handle to the same allocation. Cloning a dead handle
// returns a dead handle with the same metadata.
func (g *Gc[T]) Clone() Gc[T] {
	b := g.ptr
	if b == nil {
		return Gc[T]{meta: g.meta}
	}
	b.increment()
	b.col.stats.IncRefs++
	return Gc[T]{ptr: b}
}

// Drop releases g's reference and leaves g dead. If it was the last one the
// payload is freed at once, recursively releasing its children; otherwise the
// allocation becomes a candidate root for cycle collection. Dropping a dead
// handle does nothing.
func (g *Gc[T]) Drop() {
	b := g.ptr
	if b == nil {
		return
	}
	*g = Gc[T]{}
	b.col.release(b)
}

// Take moves the reference out of g, leaving g dead.
func (g *Gc[T]) Take() Gc[T] {
	out := *g
	*g = Gc[T]{}
	return out
}

// Set drops g's current reference and moves other into g.
func (g *Gc[T]) Set(other Gc[T]) {
	old := *g
	*g = other
	old.Drop()
}

// RefCount returns the number of live handles to g's allocation, or 0 for a
// dead handle.
func (g *Gc[T]) RefCount() int {
	if g.ptr == nil {
		return 0
	}
	return g.ptr.strong
}

// PtrEq reports whether g and other refer to the same allocation. Any two
// dead handles are equal.
func (g *Gc[T]) PtrEq(other *Gc[T]) bool {
	return g.ptr == other.ptr
}

// Meta returns the payload's metadata. A dead handle returns the metadata it
// was built with, or the static metadata of T.
func (g *Gc[T]) Meta() trace.Meta {
	if g.ptr != nil {
		return trace.MetaOf(&g.ptr.value)
	}
	if g.meta.IsZero() {
		return trace.StaticMeta[T]()
	}
	return g.meta
}

// Trace reports g to v. It lets a handle be traced like any other field.
func (g *Gc[T]) Trace(v trace.Visitor) error {
	return v.Visit(g)
}

func (g *Gc[T]) alloc() allocation {
	if g.ptr == nil {
		return nil
	}
	return g.ptr
}

func (g *Gc[T]) release() {
	g.Drop()
}

func (g *Gc[T]) kill() {
	b := g.ptr
	if b == nil {
		return
	}
	*g = Gc[T]{meta: trace.MetaOf(&b.value)}
}
