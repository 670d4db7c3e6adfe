// Package shared provides a reference-counted handle with cycle collection
// whose handles can be cloned and dropped from any goroutine.
//
// Counts are atomic and need no lock. The buffered-root set of a Collector is
// a single structure behind a short mutex, and collection passes are
// serialised by a second mutex that is released before garbage is destroyed,
// so finalizers may freely drop handles.
//
// A handle variable belongs to one goroutine at a time, like any Go value;
// give another goroutine its own Clone. Payload fields that are mutated while
// other goroutines hold handles must be guarded by the payload, and its Trace
// method must take the same guard.
package shared

import (
	"cyclegc/pkg/trace"
)

// Gc is a concurrently shareable owning handle to a value of type T. The
// zero value is a dead handle.
type Gc[T any] struct {
	ptr  *box[T]
	meta trace.Meta
}

// New allocates value in collector c and returns the only handle to it.
func New[T any](c *Collector, value T) Gc[T] {
	b := &box[T]{col: c, value: value}
	b.state.Store(1)
	c.stats.objectsCreated.Add(1)
	c.stats.incRefs.Add(1)
	c.rec.Alloc()
	return Gc[T]{ptr: b}
}

// Dead returns a dead handle.
func Dead[T any]() Gc[T] {
	return Gc[T]{}
}

// DeadWith returns a dead handle carrying explicit metadata.
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

// Get returns a pointer to the payload, or nil for a dead handle.
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
	b.col.touch(&b.header)
	b.col.stats.incRefs.Add(1)
	return Gc[T]{ptr: b}
}

// Drop releases g's reference and leaves g dead. The goroutine whose drop
// takes the count to zero frees the payload.
func (g *Gc[T]) Drop() {
	b := g.ptr
	if b == nil {
		return
	}
	*g = Gc[T]{}
	b.col.release(b)
}

// Take moves the reference out of g, leaving g dead. Moving a handle out of
// a payload field must go through Take so a running pass notices the move.
func (g *Gc[T]) Take() Gc[T] {
	out := *g
	*g = Gc[T]{}
	if out.ptr != nil {
		out.ptr.col.touch(&out.ptr.header)
	}
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
	return int(g.ptr.state.Load() & countMask)
}

// PtrEq reports whether g and other refer to the same allocation. Any two
// dead handles are equal.
func (g *Gc[T]) PtrEq(other *Gc[T]) bool {
	return g.ptr == other.ptr
}

// Meta returns the payload's metadata, or for a dead handle the metadata it
// was built with (defaulting to the static metadata of T).
func (g *Gc[T]) Meta() trace.Meta {
	if g.ptr != nil {
		return trace.MetaOf(&g.ptr.value)
	}
	if g.meta.IsZero() {
		return trace.StaticMeta[T]()
	}
	return g.meta
}

// Trace reports g to v.
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
